package handlers

import (
	"net/http"

	"server/internal/infra"
)

// Health reports liveness. Provider reachability is deliberately not
// checked here; a provider outage surfaces on the records it affects,
// not on the whole service.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": infra.ServiceName,
	})
}
