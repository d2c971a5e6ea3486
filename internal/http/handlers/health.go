package handlers

import "net/http"

// Health answers liveness probes. Readiness of Postgres and the object store
// surfaces through the endpoints that use them.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "photopipe",
		"storage": a.Config.StorageBackend,
	})
}
