package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/auditwatch/internal/api/v1"
	"github.com/gosuda/auditwatch/internal/api/ws"
)

func registerAPIRoutes(api huma.API, w v1.Watcher) {
	v1.RegisterWatchRoutes(api, w)
	v1.RegisterAuditRoutes(api, w)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/watch", hub.ServeWatch)
	r.Get("/relay/{taskID}", hub.ServeRelay)
}
