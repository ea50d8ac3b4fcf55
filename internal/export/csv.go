package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// exportCSV writes the record fields and its edit history as CSV.
func exportCSV(data TemplateData) (*Result, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write([]string{"field", "value"}); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, field := range data.Fields {
		if err := writer.Write([]string{field.Label, field.Value}); err != nil {
			return nil, fmt.Errorf("write csv field row: %w", err)
		}
	}

	if len(data.Updates) > 0 {
		if err := writer.Write([]string{"", ""}); err != nil {
			return nil, fmt.Errorf("write csv separator: %w", err)
		}
		if err := writer.Write([]string{"field", "value", "updated_by", "updated_at"}); err != nil {
			return nil, fmt.Errorf("write csv log header: %w", err)
		}
		for _, update := range data.Updates {
			row := []string{update.FieldName, update.Value, update.UpdatedBy, update.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")}
			if err := writer.Write(row); err != nil {
				return nil, fmt.Errorf("write csv log row: %w", err)
			}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(data.ID) + ".csv",
		MimeType: "text/csv",
	}, nil
}
