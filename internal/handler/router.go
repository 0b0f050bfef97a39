package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/tavern-relay/internal/handler/chat"
	"github.com/zhouzirui/tavern-relay/internal/handler/persona"
	personaModel "github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/service/remote"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

// NewRouter wires HTTP routes to the remote client.
func NewRouter(client *remote.Client, personas personaModel.Store, conversations chat.Lister) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	personaHandler := persona.New(personas, client)
	chatHandler := chat.New(client, conversations)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
	})

	return r
}
