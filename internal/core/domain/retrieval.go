package domain

import "time"

// DocumentFilter restricts retrieval to one document id. NoFilter disables it.
type DocumentFilter string

const NoFilter DocumentFilter = ""

func (f DocumentFilter) Active() bool { return f != NoFilter }

func (f DocumentFilter) Allows(documentID string) bool {
	return f == NoFilter || string(f) == documentID
}

// ScoredChunk is one hit of a single ranked search.
type ScoredChunk struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

type RetrievalRequest struct {
	Query string
	K     int
	// SemanticWeight is alpha in [0,1]; nil selects the configured default.
	SemanticWeight *float64
	Filter         DocumentFilter
}

type RetrievedChunk struct {
	Chunk         Chunk   `json:"chunk"`
	Score         float64 `json:"score"`
	SemanticScore float64 `json:"semantic_score"`
	KeywordScore  float64 `json:"keyword_score"`
}

type Turn struct {
	Question string           `json:"question"`
	Answer   string           `json:"answer"`
	Sources  []RetrievedChunk `json:"sources"`
	AskedAt  time.Time        `json:"asked_at"`
}

type Session struct {
	ID        string         `json:"id"`
	Filter    DocumentFilter `json:"filter,omitempty"`
	Turns     []Turn         `json:"turns"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Answer struct {
	Text    string           `json:"text"`
	Sources []RetrievedChunk `json:"sources"`
	NoMatch bool             `json:"no_match"`
}

// CompletionRequest carries everything the completion service needs; the
// service keeps no state between calls.
type CompletionRequest struct {
	SystemPrompt string
	History      []Turn
	Prompt       string
}

type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// Messages flattens the request into chat order: system prompt, one
// user/assistant pair per history turn, then the prompt.
func (r CompletionRequest) Messages() []ChatMessage {
	out := make([]ChatMessage, 0, 2+2*len(r.History))
	if r.SystemPrompt != "" {
		out = append(out, ChatMessage{Role: RoleSystem, Content: r.SystemPrompt})
	}
	for _, turn := range r.History {
		out = append(out,
			ChatMessage{Role: RoleUser, Content: turn.Question},
			ChatMessage{Role: RoleAssistant, Content: turn.Answer},
		)
	}
	return append(out, ChatMessage{Role: RoleUser, Content: r.Prompt})
}
