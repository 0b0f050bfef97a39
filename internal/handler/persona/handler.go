package persona

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-relay/internal/handler/remoteerr"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

// Fetcher loads persona info from the remote backend.
type Fetcher interface {
	Persona(ctx context.Context, personaID string) (*persona.Persona, error)
}

// Handler persona服务的HTTP处理器
type Handler struct {
	personas persona.Store
	fetcher  Fetcher
}

// New 创建persona处理器
func New(personas persona.Store, fetcher Fetcher) *Handler {
	return &Handler{
		personas: personas,
		fetcher:  fetcher,
	}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/personas", h.handleListPersonas)
	r.Get("/personas/{personaID}", h.handleGetPersona)
}

// handleListPersonas 列出已缓存的persona
func (h *Handler) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.personas.List())
}

// handleGetPersona 优先读缓存，未命中时向远端查询并写入缓存
func (h *Handler) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "personaID")

	if cached, ok := h.personas.FindByID(id); ok && r.URL.Query().Get("refresh") == "" {
		utils.RespondJSON(w, http.StatusOK, cached)
		return
	}

	if h.fetcher == nil {
		utils.RespondError(w, http.StatusNotFound, "persona not found")
		return
	}

	p, err := h.fetcher.Persona(r.Context(), id)
	if err != nil {
		remoteerr.Respond(w, err)
		return
	}

	h.personas.Put(*p)
	utils.RespondJSON(w, http.StatusOK, p)
}
