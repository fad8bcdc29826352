package httpapi

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"
)

//go:embed assets/*
var embeddedAssets embed.FS

// assetsFS serves the viewer page, player script and styles.
var assetsFS = mustSub(embeddedAssets, "assets")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(fmt.Sprintf("httpapi: embedded %s: %v", dir, err))
	}
	return sub
}

const baseHrefPlaceholder = "<!-- BASE_HREF -->"

// indexPage is index.html with the base href resolved for one server.
type indexPage struct {
	body    []byte
	builtAt time.Time
}

func newIndexPage(baseHref string) (*indexPage, error) {
	data, err := fs.ReadFile(assetsFS, "index.html")
	if err != nil {
		return nil, err
	}
	return &indexPage{body: applyBaseHref(data, baseHref), builtAt: time.Now()}, nil
}

func (p *indexPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "index.html", p.builtAt, bytes.NewReader(p.body))
}

func applyBaseHref(data []byte, baseHref string) []byte {
	var tag []byte
	if baseHref = strings.TrimSpace(baseHref); baseHref != "" {
		tag = []byte(`<base href="` + html.EscapeString(baseHref) + `" />`)
	}
	return bytes.ReplaceAll(data, []byte(baseHrefPlaceholder), tag)
}

// normalizeBasePath returns "" for the root, otherwise a cleaned path with a
// leading slash and no trailing slash.
func normalizeBasePath(value string) string {
	value = strings.Trim(strings.TrimSpace(value), "/")
	if value == "" {
		return ""
	}
	return path.Clean("/" + value)
}

func buildBaseHref(baseURL, basePath string) string {
	href := strings.TrimRight(strings.TrimSpace(baseURL), "/") + normalizeBasePath(basePath)
	if href == "" {
		return ""
	}
	return href + "/"
}
