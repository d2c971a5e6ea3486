package handlers

import (
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
)

// ServeObject answers the signed URLs minted by the filesystem store. The
// minio backend signs URLs against its own endpoint, so this route only
// exists when a FileStore is configured.
func (a *App) ServeObject(w http.ResponseWriter, r *http.Request) {
	if a.Files == nil {
		http.NotFound(w, r)
		return
	}
	key := chi.URLParam(r, "*")
	if !a.Files.VerifySignedPath(key, r.URL.Query()) {
		a.error(w, http.StatusForbidden, "InvalidSignature", "signature missing, invalid or expired")
		return
	}
	data, err := a.Files.Get(r.Context(), key)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=60")
	_, _ = w.Write(data)
}
