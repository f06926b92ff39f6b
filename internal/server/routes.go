package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/punchclock/internal/api/v1"
	"github.com/gosuda/punchclock/internal/api/ws"
)

func registerAPIRoutes(api huma.API, machine v1.SessionMachine, client v1.RemoteClient) {
	v1.RegisterSessionRoutes(api, machine, client)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/session", hub.ServeSession)
}
