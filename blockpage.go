package pocketfence

import (
	"html/template"
	"io"
	"net/http"
	"strings"
)

// BlockedHeader is set to "true" on every block page response. Block pages
// are served with status 200 so browsers render them; the header lets
// programmatic clients tell them apart from origin responses.
const BlockedHeader = "X-PocketFence-Blocked"

// BlockPage renders the page shown instead of blocked content.
type BlockPage struct {
	template *template.Template
}

// BlockPageData is passed to the block page template.
type BlockPageData struct {
	URL       string
	Host      string
	AgeLevel  string
	AgeLabel  string
	Score     string
	Threshold string
	Reason    string
	Timestamp string
}

// DefaultBlockPageHTML is the built-in block page template.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>PocketFence - Content Blocked</title>
    <style>
        body {
            margin: 0;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f4f7fb;
            color: #2c3e50;
        }
        .card {
            background: #fff;
            border-radius: 16px;
            padding: 36px 44px;
            max-width: 560px;
            width: 90%;
            box-shadow: 0 12px 32px rgba(44, 62, 80, 0.12);
            border-top: 6px solid #27ae60;
        }
        h1 {
            margin: 0 0 8px;
            font-size: 26px;
        }
        .lead {
            color: #7f8c8d;
            margin: 0 0 24px;
        }
        table {
            width: 100%;
            border-collapse: collapse;
            font-size: 14px;
        }
        td {
            padding: 8px 0;
            vertical-align: top;
        }
        td.label {
            color: #95a5a6;
            width: 110px;
        }
        td.value {
            word-break: break-all;
        }
        .level {
            display: inline-block;
            background: #eafaf1;
            color: #1e8449;
            border-radius: 12px;
            padding: 2px 10px;
        }
        .footer {
            margin-top: 24px;
            font-size: 13px;
            color: #95a5a6;
            text-align: center;
        }
    </style>
</head>
<body>
    <div class="card">
        <h1>Content Blocked</h1>
        <p class="lead">PocketFence stopped this page because it may not be suitable for the current age setting.</p>
        <table>
            <tr><td class="label">URL</td><td class="value">{{.URL}}</td></tr>
            <tr><td class="label">Host</td><td class="value">{{.Host}}</td></tr>
            <tr><td class="label">Age level</td><td class="value"><span class="level">{{.AgeLabel}}</span></td></tr>
            <tr><td class="label">Score</td><td class="value">{{.Score}} (limit {{.Threshold}})</td></tr>
            <tr><td class="label">Time</td><td class="value">{{.Timestamp}}</td></tr>
        </table>
        <p class="footer">Protected by <strong>PocketFence</strong>. Ask a parent if you think this is a mistake.</p>
    </div>
</body>
</html>`

// NewBlockPage returns a BlockPage using the built-in template.
func NewBlockPage() *BlockPage {
	tmpl := template.Must(template.New("block").Parse(DefaultBlockPageHTML))
	return &BlockPage{template: tmpl}
}

// NewBlockPageFromTemplate parses a custom template.
func NewBlockPageFromTemplate(templateStr string) (*BlockPage, error) {
	tmpl, err := template.New("block").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// NewBlockPageFromFile parses a custom template file.
func NewBlockPageFromFile(path string) (*BlockPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// Render writes the page to w.
func (bp *BlockPage) Render(w io.Writer, data BlockPageData) error {
	return bp.template.Execute(w, data)
}

// RenderString returns the page as a string.
func (bp *BlockPage) RenderString(data BlockPageData) (string, error) {
	var sb strings.Builder
	if err := bp.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Serve writes a complete block page response.
func (bp *BlockPage) Serve(w http.ResponseWriter, data BlockPageData) error {
	body, err := bp.RenderString(data)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(BlockedHeader, "true")
	w.WriteHeader(http.StatusOK)
	_, err = io.WriteString(w, body)
	return err
}
