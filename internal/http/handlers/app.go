package handlers

import (
	"encoding/json"
	"net/http"

	"photopipe/internal/domain"
	"photopipe/internal/infra"
	"photopipe/internal/objstore"
)

// App bundles the dependencies every handler needs.
type App struct {
	Config  *infra.Config
	Logger  infra.Logger
	Jobs    domain.JobStore
	Objects objstore.Store
	// Files is set when the filesystem backend serves its own signed reads;
	// nil for S3-compatible backends where presigned URLs point elsewhere.
	Files *objstore.FileStore
}

// NewApp builds the handler container.
func NewApp(cfg *infra.Config, logger infra.Logger, jobs domain.JobStore, objects objstore.Store) *App {
	return &App{Config: cfg, Logger: logger, Jobs: jobs, Objects: objects}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": message},
	})
}
