package remote

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

// Normalize hands raw to the parser of the strategy that produced it. There is no
// shape sniffing: a body the strategy does not recognize is a retryable parse error.
func Normalize(s Strategy, raw *Raw) (*Result, error) {
	if s.Parse == nil || raw == nil {
		return nil, &TransportError{Kind: KindParse, Err: fmt.Errorf("%s: %w", s.ID, ErrUnrecognizedShape)}
	}

	res, err := s.Parse(raw)
	if err != nil {
		var remoteErr *RemoteError
		if errors.As(err, &remoteErr) {
			return nil, err
		}
		if !errors.Is(err, ErrUnrecognizedShape) {
			err = fmt.Errorf("%w: %v", ErrUnrecognizedShape, err)
		}
		return nil, &TransportError{Kind: KindParse, Err: fmt.Errorf("%s: %w", s.ID, err)}
	}
	if res == nil {
		return nil, &TransportError{Kind: KindParse, Err: fmt.Errorf("%s: %w", s.ID, ErrUnrecognizedShape)}
	}
	return res, nil
}

func shapeError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnrecognizedShape, fmt.Sprintf(format, args...))
}

func jsonBody(raw *Raw) (gjson.Result, error) {
	if !gjson.ValidBytes(raw.Body) {
		return gjson.Result{}, shapeError("body is not json")
	}
	return gjson.ParseBytes(raw.Body), nil
}

// --- identity ---

func parseIdentityAt(path string) func(raw *Raw) (*Result, error) {
	return func(raw *Raw) (*Result, error) {
		body, err := jsonBody(raw)
		if err != nil {
			return nil, err
		}
		id := body.Get(path)
		if !id.Exists() || id.String() == "" {
			return nil, shapeError("missing %s", path)
		}
		return &Result{AccountID: id.String()}, nil
	}
}

// --- session material ---

func parseSessionCSRF(raw *Raw) (*Result, error) {
	body, err := jsonBody(raw)
	if err != nil {
		return nil, err
	}
	token := body.Get("csrf_token").String()
	cookie := cookieValue(raw.Header, "sessionid")
	if token == "" || cookie == "" {
		return nil, shapeError("csrf endpoint returned token=%t cookie=%t", token != "", cookie != "")
	}
	return &Result{Material: &SessionMaterial{AntiForgeryToken: token, SessionCookie: cookie}}, nil
}

func parseSessionHome(raw *Raw) (*Result, error) {
	token := cookieValue(raw.Header, "csrftoken")
	cookie := cookieValue(raw.Header, "sessionid")
	if token == "" || cookie == "" {
		return nil, shapeError("home page set csrftoken=%t sessionid=%t", token != "", cookie != "")
	}
	return &Result{Material: &SessionMaterial{AntiForgeryToken: token, SessionCookie: cookie}}, nil
}

func cookieValue(h http.Header, name string) string {
	if h == nil {
		return ""
	}
	for _, c := range (&http.Response{Header: h}).Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// --- conversation creation ---

func parseConversationAt(path string) func(raw *Raw) (*Result, error) {
	return func(raw *Raw) (*Result, error) {
		body, err := jsonBody(raw)
		if err != nil {
			return nil, err
		}
		id := body.Get(path).String()
		if id == "" {
			return nil, shapeError("missing %s", path)
		}
		return &Result{ConversationID: id}, nil
	}
}

// --- turns ---

// turnReply reads the turn object shared by stream frames and the turns history.
func turnReply(turn gjson.Result) (*chat.Reply, error) {
	candidates := turn.Get("candidates").Array()
	if len(candidates) == 0 {
		return nil, shapeError("turn without candidates")
	}

	primary := 0
	if id := turn.Get("primary_candidate_id").String(); id != "" {
		for i, c := range candidates {
			if c.Get("candidate_id").String() == id {
				primary = i
				break
			}
		}
	}

	reply := &chat.Reply{
		ReplyID:     turn.Get("turn_key.turn_id").String(),
		AuthorLabel: turn.Get("author.name").String(),
		Text:        candidates[primary].Get("raw_content").String(),
	}
	if reply.ReplyID == "" {
		return nil, shapeError("turn without turn_key.turn_id")
	}
	for i, c := range candidates {
		if i != primary {
			reply.AlternateTexts = append(reply.AlternateTexts, c.Get("raw_content").String())
		}
	}
	return reply, nil
}

func parseTurnFrame(raw *Raw) (*Result, error) {
	body, err := jsonBody(raw)
	if err != nil {
		return nil, err
	}
	turn := body.Get("turn")
	if !turn.Exists() {
		return nil, shapeError("frame without turn")
	}
	if turn.Get("candidates.#(is_filtered==true)").Exists() {
		return nil, &RemoteError{Class: ClassTerminal, Message: "reply filtered by backend moderation"}
	}
	reply, err := turnReply(turn)
	if err != nil {
		return nil, err
	}
	return &Result{Reply: reply}, nil
}

func turnFrameFinal(frame gjson.Result) bool {
	switch frame.Get("command").String() {
	case "add_turn", "update_turn":
	default:
		return false
	}
	if frame.Get("turn.author.is_human").Bool() {
		return false
	}
	return frame.Get("turn.candidates.#(is_final==true)").Exists()
}

func createChatFinal(frame gjson.Result) bool {
	return frame.Get("command").String() == "create_chat_response"
}

// parseTurnStreaming reads newline-delimited chunks; only the final chunk counts.
func parseTurnStreaming(raw *Raw) (*Result, error) {
	var final gjson.Result
	for _, line := range bytes.Split(raw.Body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !gjson.ValidBytes(line) {
			continue
		}
		chunk := gjson.ParseBytes(line)
		if chunk.Get("abort").Bool() {
			msg := chunk.Get("error").String()
			if msg == "" {
				msg = "generation aborted"
			}
			return nil, &RemoteError{Class: classifyMessage(msg), Message: msg}
		}
		if chunk.Get("is_final_chunk").Bool() {
			final = chunk
		}
	}
	if !final.Exists() {
		return nil, shapeError("stream ended without final chunk")
	}

	replies := final.Get("replies").Array()
	if len(replies) == 0 {
		return nil, shapeError("final chunk without replies")
	}
	reply := &chat.Reply{
		ReplyID:     replies[0].Get("id").String(),
		AuthorLabel: final.Get("src_char.participant.name").String(),
		Text:        replies[0].Get("text").String(),
	}
	for _, alt := range replies[1:] {
		reply.AlternateTexts = append(reply.AlternateTexts, alt.Get("text").String())
	}
	return &Result{Reply: reply}, nil
}

func parseTurnMessage(raw *Raw) (*Result, error) {
	body, err := jsonBody(raw)
	if err != nil {
		return nil, err
	}
	if body.Get("is_filtered").Bool() {
		return nil, &RemoteError{Class: ClassTerminal, Message: "reply filtered by backend moderation"}
	}
	text := body.Get("reply.text")
	if !text.Exists() {
		return nil, shapeError("missing reply.text")
	}
	reply := &chat.Reply{
		ReplyID:     body.Get("reply.uuid").String(),
		AuthorLabel: body.Get("author.name").String(),
		Text:        text.String(),
	}
	for _, alt := range body.Get("alternatives.#.text").Array() {
		reply.AlternateTexts = append(reply.AlternateTexts, alt.String())
	}
	return &Result{Reply: reply}, nil
}

// --- history ---

// parseHistoryTurns reads turns newest first and returns them oldest first.
func parseHistoryTurns(raw *Raw) (*Result, error) {
	body, err := jsonBody(raw)
	if err != nil {
		return nil, err
	}
	turns := body.Get("turns")
	if !turns.IsArray() {
		return nil, shapeError("missing turns")
	}

	items := turns.Array()
	history := make([]chat.Reply, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		reply, err := turnReply(items[i])
		if err != nil {
			return nil, err
		}
		history = append(history, *reply)
	}
	return &Result{History: history}, nil
}

func parseHistoryMessages(raw *Raw) (*Result, error) {
	body, err := jsonBody(raw)
	if err != nil {
		return nil, err
	}
	messages := body.Get("messages")
	if !messages.IsArray() {
		return nil, shapeError("missing messages")
	}

	items := messages.Array()
	history := make([]chat.Reply, 0, len(items))
	for _, m := range items {
		history = append(history, chat.Reply{
			ReplyID:     m.Get("uuid").String(),
			AuthorLabel: m.Get("src__name").String(),
			Text:        m.Get("text").String(),
		})
	}
	return &Result{History: history}, nil
}

// --- persona ---

func parsePersonaInfo(raw *Raw) (*Result, error) {
	body, err := jsonBody(raw)
	if err != nil {
		return nil, err
	}
	c := body.Get("character")
	if !c.IsObject() || c.Get("name").String() == "" {
		return nil, shapeError("missing character.name")
	}
	return &Result{Persona: &persona.Persona{
		ID:          c.Get("external_id").String(),
		Name:        c.Get("name").String(),
		Title:       c.Get("title").String(),
		Greeting:    c.Get("greeting").String(),
		Description: c.Get("description").String(),
		AvatarURL:   c.Get("avatar_file_name").String(),
	}}, nil
}

func parsePersonaChars(raw *Raw) (*Result, error) {
	body, err := jsonBody(raw)
	if err != nil {
		return nil, err
	}
	c := body.Get("character")
	if !c.IsObject() || c.Get("participant__name").String() == "" {
		return nil, shapeError("missing character.participant__name")
	}
	return &Result{Persona: &persona.Persona{
		ID:          c.Get("character_id").String(),
		Name:        c.Get("participant__name").String(),
		Title:       c.Get("title").String(),
		Greeting:    c.Get("greeting").String(),
		Description: c.Get("description").String(),
		AvatarURL:   c.Get("avatar_file_name").String(),
	}}, nil
}
