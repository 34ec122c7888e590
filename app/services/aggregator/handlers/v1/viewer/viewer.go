// Package viewer serves the page that streams the aggregator events from
// the same host the events are published on.
package viewer

import (
	"context"
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"strings"

	"github.com/adamwoolhether/aggregator/foundation/web"
)

//go:embed assets
var assets embed.FS

var index = template.Must(template.ParseFS(assets, "assets/index.html"))

// Handlers manages the viewer endpoints.
type Handlers struct {
	Build string
}

// Index renders the events page.
func (h Handlers) Index(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	data := struct {
		Build string
	}{
		Build: h.Build,
	}

	if err := web.SetStatusCode(ctx, http.StatusOK); err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return index.Execute(w, data)
}

// Asset serves the static files the page loads.
func (h Handlers) Asset(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	name := strings.TrimPrefix(web.Param(r, "file"), "/")

	data, err := fs.ReadFile(assets, "assets/"+name)
	if err != nil || name == "index.html" {
		if err := web.SetStatusCode(ctx, http.StatusNotFound); err != nil {
			return err
		}
		http.NotFound(w, r)
		return nil
	}

	if err := web.SetStatusCode(ctx, http.StatusOK); err != nil {
		return err
	}

	if strings.HasSuffix(name, ".css") {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
	}
	_, err = w.Write(data)
	return err
}
