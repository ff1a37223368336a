package domain

// Chat roles used by the upstream chat completion protocol.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is a single role/content pair of a chat payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the subset of a chat completion request the gateway inspects.
type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// ChatChoice is one entry of a chat completion response.
type ChatChoice struct {
	Message ChatMessage `json:"message"`
}

// ChatResponse is the chat completion response shape returned by upstream and
// by the gateway when it synthesises a reply.
type ChatResponse struct {
	Choices []ChatChoice `json:"choices"`
}

// LastMessage returns the content of the last message of the request.
func (r ChatRequest) LastMessage() (string, error) {
	if len(r.Messages) == 0 {
		return "", ErrNoMessages
	}
	return r.Messages[len(r.Messages)-1].Content, nil
}

// FirstChoice returns the message content of the first choice.
func (r ChatResponse) FirstChoice() (string, error) {
	if len(r.Choices) == 0 {
		return "", ErrNoChoices
	}
	return r.Choices[0].Message.Content, nil
}

// NewAssistantReply builds a single-choice response carrying content in the
// assistant role.
func NewAssistantReply(content string) ChatResponse {
	return ChatResponse{
		Choices: []ChatChoice{{
			Message: ChatMessage{Role: RoleAssistant, Content: content},
		}},
	}
}
