package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeDataStore struct {
	record Record
	err    error
}

func (f fakeDataStore) GetRecord(ctx context.Context, id string) (Record, error) {
	if f.err != nil {
		return Record{}, f.err
	}
	return f.record, nil
}

func sampleRecord() Record {
	return Record{
		ID: "ent-abc123",
		Fields: map[string]string{
			"initiated_by":           "Avery",
			"product":                "Widget Campaign",
			"agent_name":             "Jordan",
			"team_brand":             "Acme",
			"ab_testing":             "yes",
			"budget":                 "15,000",
			"approved_by_bi":         "Sam",
			"approved_by_digital":    "Riley",
			"approved_by_operations": "Casey",
			"phone_number":           "01234567890",
			"approved_by_madam":      "Morgan",
		},
		SubmittedAt: time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		Updates: []Update{
			{FieldName: "product", Value: "Widget Campaign", UpdatedBy: "Avery", UpdatedAt: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)},
		},
	}
}

func TestRenderRecordHTML(t *testing.T) {
	data := buildTemplateData(sampleRecord())
	html, err := RenderRecordHTML(data)
	if err != nil {
		t.Fatalf("RenderRecordHTML() error = %v", err)
	}
	for _, want := range []string{"ent-abc123", "Widget Campaign", "team brand", "01234567890", "Edit History"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}
}

func TestRenderRecordHTMLEscapesValues(t *testing.T) {
	record := sampleRecord()
	record.Fields["product"] = "<script>alert(1)</script>"
	html, err := RenderRecordHTML(buildTemplateData(record))
	if err != nil {
		t.Fatalf("RenderRecordHTML() error = %v", err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("rendered HTML contains unescaped field value")
	}
}

func TestExportCSV(t *testing.T) {
	svc := NewService(fakeDataStore{record: sampleRecord()})
	result, err := svc.Export(context.Background(), Request{RecordID: "ent-abc123", Format: FormatCSV})
	if err != nil {
		t.Fatalf("Export(csv) error = %v", err)
	}
	if result.MimeType != "text/csv" {
		t.Errorf("MimeType = %q, want text/csv", result.MimeType)
	}
	if result.Filename != "ent-abc123.csv" {
		t.Errorf("Filename = %q", result.Filename)
	}

	body := string(result.Data)
	if !strings.HasPrefix(body, "field,value\n") {
		t.Errorf("csv missing header: %q", body)
	}
	for _, want := range []string{"team brand,Acme", "budget,\"15,000\"", "product,Widget Campaign,Avery"} {
		if !strings.Contains(body, want) {
			t.Errorf("csv missing row %q in:\n%s", want, body)
		}
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	svc := NewService(fakeDataStore{record: sampleRecord()})
	_, err := svc.Export(context.Background(), Request{RecordID: "ent-abc123", Format: Format("docx")})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Export(docx) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestExportPropagatesStoreError(t *testing.T) {
	wantErr := errors.New("record gone")
	svc := NewService(fakeDataStore{err: wantErr})
	if _, err := svc.Export(context.Background(), Request{RecordID: "ent-missing", Format: FormatCSV}); !errors.Is(err, wantErr) {
		t.Fatalf("Export() error = %v, want wrapped store error", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "ent-abc123", want: "ent-abc123"},
		{in: "weird/..\\name!", want: "weirdname"},
		{in: "two words", want: "two-words"},
		{in: "", want: "record"},
		{in: strings.Repeat("a", 80), want: strings.Repeat("a", 50)},
	}
	for _, tc := range cases {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	if got := percentEncodeForDataURL("a b"); got != "a%20b" {
		t.Errorf("percentEncodeForDataURL(\"a b\") = %q", got)
	}
	if got := percentEncodeForDataURL("<p>"); got != "%3Cp%3E" {
		t.Errorf("percentEncodeForDataURL(\"<p>\") = %q", got)
	}
}
