package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"indent": func(level int) int {
		return level * 18
	},
}).ParseFS(templateFS, "templates/report.html"))

// TemplateData holds data for report rendering
type TemplateData struct {
	Title       string
	TeamName    string
	TeamKey     string
	GeneratedBy string
	GeneratedAt time.Time
	Total       int
	Summary     []SummaryRow
	Rows        []ReportRow
	Events      []EventRow
}

// SummaryRow counts issues per review status.
type SummaryRow struct {
	Status string
	Count  int
}

// ReportRow is one issue in hierarchy order.
type ReportRow struct {
	Identifier      string
	Title           string
	State           string
	Status          string
	Level           int
	URL             string
	Orphan          bool
	DescriptionHTML template.HTML
}

// EventRow is one review audit entry.
type EventRow struct {
	At         time.Time
	Identifier string
	Action     string
	Outcome    string
	Actor      string
	Feedback   string
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
