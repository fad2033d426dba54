package handlers

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"nursefilter/internal/domain"
	"nursefilter/internal/storage"
)

// ServeAsset streams a stored artifact back to the client. Only the two
// artifact buckets are reachable; key material never leaves this package
// unvalidated.
func (a *App) ServeAsset(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	filename := chi.URLParam(r, "filename")

	if bucket != storage.BucketUploads && bucket != storage.BucketProcessed {
		a.error(w, http.StatusNotFound, "not_found", "unknown bucket")
		return
	}
	if filename == "" || filename != path.Base(filename) {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid filename")
		return
	}

	data, err := a.Store.Read(r.Context(), bucket+"/"+filename)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "asset not found")
			return
		}
		a.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(filename))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}
