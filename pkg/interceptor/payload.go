package interceptor

import (
	"encoding/json"
	"fmt"

	"github.com/polisai/guardian-gateway/pkg/domain"
)

// ExtractRequestText returns the content of the last message of a chat
// request body.
func ExtractRequestText(body []byte) (string, error) {
	if len(body) == 0 {
		return "", domain.ErrPayloadMissing
	}

	var req domain.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrPayloadMalformed, err)
	}
	return req.LastMessage()
}

// ExtractResponseText returns the message content of the first choice of a
// chat response body.
func ExtractResponseText(body []byte) (string, error) {
	if len(body) == 0 {
		return "", domain.ErrPayloadMissing
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrPayloadMalformed, err)
	}
	return resp.FirstChoice()
}

// RewriteResponseContent replaces choices[0].message.content with content.
// Every other field of the document keeps its value.
func RewriteResponseContent(body []byte, content string) ([]byte, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPayloadMalformed, err)
	}

	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(root["choices"], &choices); err != nil {
		return nil, fmt.Errorf("%w: choices: %w", domain.ErrPayloadMalformed, err)
	}
	if len(choices) == 0 {
		return nil, domain.ErrNoChoices
	}

	var message map[string]json.RawMessage
	if err := json.Unmarshal(choices[0]["message"], &message); err != nil {
		return nil, fmt.Errorf("%w: message: %w", domain.ErrPayloadMalformed, err)
	}
	if message == nil {
		message = map[string]json.RawMessage{}
	}

	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	message["content"] = encoded

	if choices[0]["message"], err = json.Marshal(message); err != nil {
		return nil, err
	}
	if root["choices"], err = json.Marshal(choices); err != nil {
		return nil, err
	}
	return json.Marshal(root)
}
