package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-relay/internal/handler/remoteerr"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// Relay is the part of the remote client the chat routes need.
type Relay interface {
	Send(ctx context.Context, key chat.ConversationKey, personaID, text string) (*chat.Reply, error)
	Reset(ctx context.Context, key chat.ConversationKey) error
	History(ctx context.Context, key chat.ConversationKey, limit int) ([]chat.Reply, error)
}

// Lister lists stored conversation handles.
type Lister interface {
	List(ctx context.Context) ([]chat.ConversationHandle, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	relay  Relay
	lister Lister
}

// New 创建聊天处理器；lister 可为 nil
func New(relay Relay, lister Lister) *Handler {
	return &Handler{
		relay:  relay,
		lister: lister,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.handleListConversations)
	r.Post("/conversations/{key}/messages", h.handleSend)
	r.Get("/conversations/{key}/history", h.handleHistory)
	r.Delete("/conversations/{key}", h.handleReset)
}

// handleSend 发送一条消息并返回回复
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	key := chat.ConversationKey(chi.URLParam(r, "key"))

	var payload struct {
		PersonaID string `json:"personaId"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.PersonaID) == "" {
		utils.RespondError(w, http.StatusBadRequest, "personaId is required")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	reply, err := h.relay.Send(r.Context(), key, payload.PersonaID, payload.Text)
	if err != nil {
		remoteerr.Respond(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, reply)
}

// handleHistory 返回会话历史，旧消息在前
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := chat.ConversationKey(chi.URLParam(r, "key"))

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history, err := h.relay.History(r.Context(), key, limit)
	if err != nil {
		remoteerr.Respond(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"key":      key,
		"messages": history,
	})
}

// handleReset 丢弃会话句柄，下一条消息会新建会话
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	key := chat.ConversationKey(chi.URLParam(r, "key"))

	if err := h.relay.Reset(r.Context(), key); err != nil {
		remoteerr.Respond(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if h.lister == nil {
		utils.RespondError(w, http.StatusNotImplemented, "conversation listing unavailable")
		return
	}

	handles, err := h.lister.List(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, handles)
}
