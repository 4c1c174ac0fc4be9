// Package assets serves the embedded browser client used to join the voice
// session from a local machine. Files live under web/ and are served at
// /static/, with index.html at the root.
package assets

import (
	"embed"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strings"
)

//go:embed web
var webFS embed.FS

// hashPattern detects content hashes in filenames (e.g. ".CU4W1PlC.").
var hashPattern = regexp.MustCompile(`\.[a-zA-Z0-9_-]{8,}\.`)

// containsHash reports whether the given path contains a content hash.
func containsHash(p string) bool {
	return hashPattern.MatchString(p)
}

// mimeFromExt returns the MIME type for a file extension, falling back to
// the standard library database and then application/octet-stream.
func mimeFromExt(ext string) string {
	switch ext {
	case ".js", ".mjs":
		return "application/javascript"
	case ".css":
		return "text/css; charset=utf-8"
	case ".html":
		return "text/html; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
		return "application/octet-stream"
	}
}

func sub() fs.FS {
	s, err := fs.Sub(webFS, "web")
	if err != nil {
		panic("assets: failed to create sub filesystem: " + err.Error())
	}
	return s
}

// FileServer serves the embedded files. Hashed names get immutable cache
// headers; everything else is revalidated. Strip /static/ before calling.
func FileServer() http.Handler {
	fileServer := http.FileServer(http.FS(sub()))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ext := strings.ToLower(path.Ext(r.URL.Path))
		if ext != "" {
			w.Header().Set("Content-Type", mimeFromExt(ext))
		}
		if containsHash(r.URL.Path) {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		} else {
			w.Header().Set("Cache-Control", "no-cache")
		}
		fileServer.ServeHTTP(w, r)
	})
}

// Index serves index.html.
func Index() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := fs.ReadFile(sub(), "index.html")
		if err != nil {
			http.Error(w, "index not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})
}
