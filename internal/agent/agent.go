package agent

import (
	"context"
	"time"
)

// Message is one entry of a session's conversation history.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Request carries one prompt execution to the agent backend. Context holds
// recent session messages the caller chose to splice in; Prompt already
// contains them rendered as a transcript, so backends may use either form.
type Request struct {
	Prompt    string
	SessionID string
	Context   []Message
}

// Response is the agent's textual answer.
type Response struct {
	Text string
}

// Agent is the boundary to whatever actually answers prompts. Implementations
// must be safe for concurrent calls across sessions.
type Agent interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a plain function to the Agent interface.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Execute(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
