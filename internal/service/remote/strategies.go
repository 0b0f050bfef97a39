package remote

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// DefaultTable returns the strategies known to work against current and recent
// backend revisions, most preferred first.
func DefaultTable() Table {
	return Table{
		OpDiscoverIdentity: {
			{
				ID:        "unary.identity.user",
				Operation: OpDiscoverIdentity,
				Transport: Unary,
				Method:    http.MethodGet,
				Path:      "/chat/user/",
				Parse:     parseIdentityAt("user.user.id"),
			},
			{
				ID:        "unary.identity.account",
				Operation: OpDiscoverIdentity,
				Transport: Unary,
				Method:    http.MethodGet,
				Path:      "/account/",
				Parse:     parseIdentityAt("account.id"),
			},
		},
		OpAcquireSession: {
			{
				ID:        "unary.session.csrf",
				Operation: OpAcquireSession,
				Transport: Unary,
				Method:    http.MethodGet,
				Path:      "/csrf/",
				Parse:     parseSessionCSRF,
			},
			{
				ID:        "unary.session.home",
				Operation: OpAcquireSession,
				Transport: Unary,
				Method:    http.MethodGet,
				Path:      "/",
				Parse:     parseSessionHome,
			},
		},
		OpCreateConversation: {
			{
				ID:        "stream.chat.create",
				Operation: OpCreateConversation,
				Transport: Stream,
				Command:   "create_chat",
				Final:     createChatFinal,
				Build:     buildCreateChatFrame,
				Parse:     parseConversationAt("chat.chat_id"),
			},
			{
				ID:        "unary.chat.create.v2",
				Operation: OpCreateConversation,
				Transport: Unary,
				Method:    http.MethodPost,
				Path:      "/chat/history/create/",
				Build:     buildHistoryCreate,
				Parse:     parseConversationAt("external_id"),
			},
			{
				ID:        "unary.chat.create.v1",
				Operation: OpCreateConversation,
				Transport: Unary,
				Method:    http.MethodPost,
				Path:      "/chats/new",
				Build:     buildChatsNew,
				Parse:     parseConversationAt("chat.chat_id"),
			},
		},
		OpSendTurn: {
			{
				ID:        "stream.turn.generate",
				Operation: OpSendTurn,
				Transport: Stream,
				Command:   "create_and_generate_turn",
				Final:     turnFrameFinal,
				Build:     buildGenerateTurnFrame,
				Parse:     parseTurnFrame,
			},
			{
				ID:        "unary.turn.streaming",
				Operation: OpSendTurn,
				Transport: Unary,
				Method:    http.MethodPost,
				Path:      "/chat/streaming/",
				Build:     buildStreamingTurn,
				Parse:     parseTurnStreaming,
			},
			{
				ID:        "unary.turn.message",
				Operation: OpSendTurn,
				Transport: Unary,
				Method:    http.MethodPost,
				Path:      "/chat/message/",
				Build:     buildMessageTurn,
				Parse:     parseTurnMessage,
			},
		},
		OpFetchHistory: {
			{
				ID:        "unary.history.turns",
				Operation: OpFetchHistory,
				Transport: Unary,
				Method:    http.MethodGet,
				Path:      "/turns/{conversation}/",
				Parse:     parseHistoryTurns,
			},
			{
				ID:        "unary.history.msgs",
				Operation: OpFetchHistory,
				Transport: Unary,
				Method:    http.MethodGet,
				Path:      "/chat/history/msgs/user/?history_external_id={conversation}",
				Parse:     parseHistoryMessages,
			},
		},
		OpFetchPersona: {
			{
				ID:        "unary.persona.info",
				Operation: OpFetchPersona,
				Transport: Unary,
				Method:    http.MethodPost,
				Path:      "/character/info/",
				Build:     buildPersonaInfo,
				Parse:     parsePersonaInfo,
			},
			{
				ID:        "unary.persona.chars",
				Operation: OpFetchPersona,
				Transport: Unary,
				Method:    http.MethodGet,
				Path:      "/chars/{persona}/info",
				Parse:     parsePersonaChars,
			},
		},
	}
}

func accountID(req *Request) string {
	if req.Session == nil {
		return ""
	}
	return req.Session.AccountID
}

func buildCreateChatFrame(req *Request) ([]byte, error) {
	return json.Marshal(map[string]any{
		"command": "create_chat",
		"payload": map[string]any{
			"chat": map[string]any{
				"chat_id":      uuid.NewString(),
				"creator_id":   accountID(req),
				"visibility":   "VISIBILITY_PRIVATE",
				"character_id": req.PersonaID,
				"type":         "TYPE_ONE_ON_ONE",
			},
			"with_greeting": false,
		},
	})
}

func buildHistoryCreate(req *Request) ([]byte, error) {
	return json.Marshal(map[string]any{
		"character_external_id": req.PersonaID,
		"history_external_id":   nil,
	})
}

func buildChatsNew(req *Request) ([]byte, error) {
	return json.Marshal(map[string]any{"character_id": req.PersonaID})
}

func buildGenerateTurnFrame(req *Request) ([]byte, error) {
	candidateID := uuid.NewString()
	return json.Marshal(map[string]any{
		"command": "create_and_generate_turn",
		"payload": map[string]any{
			"num_candidates": 1,
			"tts_enabled":    false,
			"character_id":   req.PersonaID,
			"turn": map[string]any{
				"turn_key": map[string]any{
					"turn_id": uuid.NewString(),
					"chat_id": req.ConversationID,
				},
				"author": map[string]any{
					"author_id": accountID(req),
					"is_human":  true,
				},
				"candidates": []map[string]any{
					{"candidate_id": candidateID, "raw_content": req.Text},
				},
				"primary_candidate_id": candidateID,
			},
		},
	})
}

func buildStreamingTurn(req *Request) ([]byte, error) {
	return json.Marshal(map[string]any{
		"history_external_id":   req.ConversationID,
		"character_external_id": req.PersonaID,
		"text":                  req.Text,
		"tgt":                   req.PersonaID,
		"ranking_method":        "random",
		"staging":               false,
		"stream_every_n_steps":  16,
		"chunks_to_pad":         8,
		"is_proactive":          false,
	})
}

func buildMessageTurn(req *Request) ([]byte, error) {
	return json.Marshal(map[string]any{
		"history_external_id":   req.ConversationID,
		"character_external_id": req.PersonaID,
		"text":                  req.Text,
	})
}

func buildPersonaInfo(req *Request) ([]byte, error) {
	return json.Marshal(map[string]any{"external_id": req.PersonaID})
}
