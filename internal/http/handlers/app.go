// Package handlers exposes the generation service over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"

	"server/internal/infra"
	"server/internal/jobs"
	"server/internal/storage"
	"server/internal/workflow"
)

type App struct {
	Tracker  *jobs.Tracker
	Composer *workflow.Composer
	Merger   *workflow.Merger
	Files    *storage.FileStore
	Config   *infra.Config
	Logger   infra.Logger
}

func NewApp(tracker *jobs.Tracker, composer *workflow.Composer, merger *workflow.Merger, files *storage.FileStore, cfg *infra.Config, logger infra.Logger) *App {
	return &App{
		Tracker:  tracker,
		Composer: composer,
		Merger:   merger,
		Files:    files,
		Config:   cfg,
		Logger:   logger,
	}
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
