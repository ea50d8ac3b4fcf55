package export

import (
	"bytes"
	"html/template"
	"time"
)

// TemplateData holds data for record template rendering
type TemplateData struct {
	ID          string
	Fields      []TemplateField
	SubmittedAt time.Time
	Updates     []TemplateUpdate
}

// TemplateField is one labelled field value.
type TemplateField struct {
	Label string
	Value string
}

// TemplateUpdate is one row of the attribution log.
type TemplateUpdate struct {
	FieldName string
	Value     string
	UpdatedBy string
	UpdatedAt time.Time
}

var recordTemplate = template.Must(template.New("record").Parse(recordTemplateHTML))

// RenderRecordHTML renders the record template with provided data
func RenderRecordHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := recordTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const recordTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Record {{.ID}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { width: 100%; border-collapse: collapse; margin-bottom: 2rem; }
    th, td { text-align: left; padding: 0.4rem 0.6rem; border-bottom: 1px solid #ddd; }
    th { background: #f5f5f5; }
    .log td { color: #444; font-size: 0.9em; }
  </style>
</head>
<body>
  <h1>Submitted Record</h1>
  <div class="meta">{{.ID}} | submitted {{.SubmittedAt.Format "Jan 2, 2006 15:04"}}</div>
  <table>
    <tr><th>Field</th><th>Value</th></tr>
    {{range .Fields}}<tr><td>{{.Label}}</td><td>{{.Value}}</td></tr>
    {{end}}
  </table>
  {{if .Updates}}
  <h2>Edit History</h2>
  <table class="log">
    <tr><th>Field</th><th>Value</th><th>By</th><th>At</th></tr>
    {{range .Updates}}<tr><td>{{.FieldName}}</td><td>{{.Value}}</td><td>{{.UpdatedBy}}</td><td>{{.UpdatedAt.Format "Jan 2, 2006 15:04"}}</td></tr>
    {{end}}
  </table>
  {{end}}
</body>
</html>`
