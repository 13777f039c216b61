package backend

// Message represents a message sent to the backend.
type Message struct {
	Content string
	Role    string // "user" or "system"
}

// Response represents a response from the backend.
type Response struct {
	Content   string
	SessionID string
	Error     string
	Cost      float64 // USD reported by the agent CLI, zero when unknown
}

// Config defines the configuration for a backend.
type Config struct {
	Type         string   // "claude" or "command"
	Command      string   // Binary to run (default: the type name)
	Args         []string // Extra args added to every invocation
	WorkDir      string
	SessionID    string
	Model        string
	SystemPrompt string
	Tools        []string // Allowed tools, passed through when the CLI supports it
}

func (c Config) command() string {
	if c.Command != "" {
		return c.Command
	}
	return c.Type
}
