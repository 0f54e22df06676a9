package api

import (
	"html/template"
	"net/http"
	"time"

	"github.com/luckiday/dreamgaussian-api/pkg/artifacts"
)

const indexTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Log Files</title></head>
<body>
<h1>Log Files</h1>
{{- range .}}
<h2>{{.Dir}}</h2>
<table>
<tr><th>File Name</th><th>Creation Date</th></tr>
{{- range .Entries}}
<tr><td><a href="{{.URL}}">{{.Name}}</a></td><td>{{formatTime .ModTime}}</td></tr>
{{- end}}
</table>
{{- end}}
</body>
</html>
`

var indexFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.Local().Format("2006-01-02 15:04:05")
	},
}

type indexSection struct {
	Dir     string
	Entries []artifacts.Entry
}

// groupByDir keeps the newest-first order of entries within each directory
// and orders directories by their newest file
func groupByDir(entries []artifacts.Entry) []indexSection {
	var sections []indexSection
	pos := make(map[string]int)
	for _, e := range entries {
		i, ok := pos[e.Dir]
		if !ok {
			i = len(sections)
			pos[e.Dir] = i
			sections = append(sections, indexSection{Dir: e.Dir})
		}
		sections[i].Entries = append(sections[i].Entries, e)
	}
	return sections
}

// Index handles GET /, an HTML listing of every served directory
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	entries, err := h.resolver.List()
	if err != nil {
		h.logger.Error("Failed to list artifacts", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to list artifacts", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		if entries == nil {
			entries = []artifacts.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.index.Execute(w, groupByDir(entries)); err != nil {
		h.logger.Error("Failed to render index", map[string]interface{}{"error": err.Error()})
	}
}
