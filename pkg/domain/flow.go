package domain

import (
	"net/http"
	"strings"
)

// Direction identifies which half of an exchange a hook is looking at.
type Direction string

const (
	// DirectionRequest is the client → upstream half of a flow.
	DirectionRequest Direction = "request"
	// DirectionResponse is the upstream → client half of a flow.
	DirectionResponse Direction = "response"
)

// Flow is one intercepted client ↔ upstream exchange. A flow is owned by the
// hook that is processing it and is never shared between concurrent hooks.
type Flow struct {
	ID        string
	Direction Direction
	Host      string
	Method    string
	Path      string

	RequestHeader http.Header
	RequestBody   []byte

	// Forwarded reports whether the request was sent upstream. The response
	// hook only runs for forwarded flows.
	Forwarded bool

	StatusCode     int
	ResponseHeader http.Header
	ResponseBody   []byte
}

// HostMatches reports whether the flow targets host. The comparison ignores
// case and any port suffix on either side.
func (f *Flow) HostMatches(host string) bool {
	if host == "" {
		return false
	}
	return strings.EqualFold(stripPort(f.Host), stripPort(host))
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			return host[1:end]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}

// ActionKind tags an Action.
type ActionKind string

const (
	// ActionForward lets the flow continue unchanged.
	ActionForward ActionKind = "forward"
	// ActionReplace substitutes the payload carried by the action.
	ActionReplace ActionKind = "replace"
)

// Action is the outcome of a hook: forward the flow or replace its payload.
// For a request hook Replace short-circuits upstream and answers the client
// with Payload. For a response hook Replace swaps the upstream response body.
type Action struct {
	Kind       ActionKind
	StatusCode int
	Header     http.Header
	Payload    []byte
	Reason     string
}

// Forward returns the pass-through action.
func Forward() Action {
	return Action{Kind: ActionForward}
}

// Replace returns an action substituting payload with the given status and
// header.
func Replace(status int, header http.Header, payload []byte, reason string) Action {
	return Action{
		Kind:       ActionReplace,
		StatusCode: status,
		Header:     header,
		Payload:    payload,
		Reason:     reason,
	}
}

// IsReplace reports whether the action rewrites the flow.
func (a Action) IsReplace() bool {
	return a.Kind == ActionReplace
}
