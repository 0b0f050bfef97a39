package chat

// Reply is the normalized backend answer handed to callers.
type Reply struct {
	ReplyID        string   `json:"replyId"`
	AuthorLabel    string   `json:"authorLabel"`
	Text           string   `json:"text"`
	AlternateTexts []string `json:"alternateTexts,omitempty"`
}
