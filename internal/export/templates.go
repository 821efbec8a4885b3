package export

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

var workbookTemplate = template.Must(template.New("workbook").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(workbookTemplateHTML))

// TemplateData holds data for workbook template rendering
type TemplateData struct {
	Title      string
	Sheets     []Sheet
	ExportedAt time.Time
}

// RenderHTML produces the print layout fed to the PDF renderer. Each
// sheet after the first starts on a new page.
func RenderHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := workbookTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render workbook template: %w", err)
	}
	return buf.String(), nil
}

const workbookTemplateHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>{{.Title}}</title>
<style>
    @page { size: A4 landscape; margin: 1.5cm; }
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #1a1a1a; }
    h1 { font-size: 20px; margin-bottom: 4px; }
    .meta { color: #666; font-size: 11px; margin-bottom: 16px; }
    h2 { font-size: 15px; margin: 18px 0 8px; }
    .sheet + .sheet { page-break-before: always; }
    table { border-collapse: collapse; width: 100%; table-layout: fixed; }
    th, td { border: 1px solid #ccc; padding: 4px 6px; font-size: 11px; overflow: hidden; text-overflow: ellipsis; }
    th { background: #f3f4f6; font-weight: 600; text-align: left; }
    tr:nth-child(even) td { background: #fafafa; }
</style>
</head>
<body>
    <h1>{{.Title}}</h1>
    <div class="meta">Exported {{formatDate .ExportedAt "Jan 2, 2006 15:04 MST"}}</div>
    {{range .Sheets}}
    <div class="sheet">
        <h2>{{.Name}}</h2>
        <table>
            {{range $i, $row := .Grid}}
            <tr>
                {{range $row}}{{if eq $i 0}}<th>{{.}}</th>{{else}}<td>{{.}}</td>{{end}}{{end}}
            </tr>
            {{end}}
        </table>
    </div>
    {{end}}
</body>
</html>`
