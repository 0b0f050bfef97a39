package persona

// Persona captures what the backend reports about a persona it hosts.
type Persona struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Greeting    string `json:"greeting,omitempty"`
	Description string `json:"description,omitempty"` // 角色详细描述
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
