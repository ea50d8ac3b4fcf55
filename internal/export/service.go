package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"formdesk/api/internal/form"
)

// Record is the submitted record shape the export service renders.
type Record struct {
	ID          string
	Fields      map[string]string
	SubmittedAt time.Time
	Updates     []Update
}

// Update is one attribution log row.
type Update struct {
	FieldName string
	Value     string
	UpdatedBy string
	UpdatedAt time.Time
}

// DataStore defines the interface for record access
type DataStore interface {
	GetRecord(ctx context.Context, id string) (Record, error)
}

// Request contains parameters for an export operation
type Request struct {
	RecordID string
	Format   Format
}

// Service provides record export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	record, err := s.store.GetRecord(ctx, req.RecordID)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	data := buildTemplateData(record)

	switch req.Format {
	case FormatPDF:
		html, err := RenderRecordHTML(data)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return exportPDF(html, record.ID)
	case FormatCSV:
		return exportCSV(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func buildTemplateData(record Record) TemplateData {
	data := TemplateData{
		ID:          record.ID,
		SubmittedAt: record.SubmittedAt,
	}
	for _, name := range form.Names {
		data.Fields = append(data.Fields, TemplateField{
			Label: fieldLabel(name),
			Value: record.Fields[name],
		})
	}
	for _, update := range record.Updates {
		data.Updates = append(data.Updates, TemplateUpdate{
			FieldName: update.FieldName,
			Value:     update.Value,
			UpdatedBy: update.UpdatedBy,
			UpdatedAt: update.UpdatedAt,
		})
	}
	return data
}

func fieldLabel(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
