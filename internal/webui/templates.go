package webui

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"
)

//go:embed templates/*.html
var templatesFS embed.FS

// templateManager 持有解析好的页面模板。
type templateManager struct {
	templates *template.Template
}

func newTemplateManager() (*templateManager, error) {
	funcMap := template.FuncMap{
		"previewSrc": previewSrc,
		"formatSize": formatSize,
	}

	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("解析模板失败：%w", err)
	}
	return &templateManager{templates: tmpl}, nil
}

func (tm *templateManager) render(w io.Writer, name string, data any) error {
	return tm.templates.ExecuteTemplate(w, name, data)
}

// previewSrc 只放行 data:image/ 与 http(s) 地址；其余一律不输出。
func previewSrc(src string) template.URL {
	lower := strings.ToLower(src)
	switch {
	case strings.HasPrefix(lower, "data:image/"),
		strings.HasPrefix(lower, "http://"),
		strings.HasPrefix(lower, "https://"):
		return template.URL(src)
	default:
		return ""
	}
}

func formatSize(n int64) string {
	const (
		KB = 1024
		MB = KB * 1024
	)
	switch {
	case n >= MB:
		return fmt.Sprintf("%.0f MB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.0f KB", float64(n)/KB)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
