package interceptor

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/guardian-gateway/pkg/domain"
)

func logOf(p float64) float64 {
	return math.Log(p)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestExtractRequestText(t *testing.T) {
	text, err := ExtractRequestText([]byte(`{"messages":[{"role":"user","content":"a"},{"role":"user","content":"b"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "b", text)

	_, err = ExtractRequestText(nil)
	assert.ErrorIs(t, err, domain.ErrPayloadMissing)

	_, err = ExtractRequestText([]byte(`nope`))
	assert.ErrorIs(t, err, domain.ErrPayloadMalformed)

	_, err = ExtractRequestText([]byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrNoMessages)
}

func TestExtractResponseText(t *testing.T) {
	text, err := ExtractResponseText([]byte(`{"choices":[{"message":{"content":"first"}},{"message":{"content":"second"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "first", text)

	_, err = ExtractResponseText([]byte(`{"choices":[]}`))
	assert.ErrorIs(t, err, domain.ErrNoChoices)
}

func TestRewriteResponseContent_Errors(t *testing.T) {
	_, err := RewriteResponseContent([]byte(`[]`), "x")
	assert.ErrorIs(t, err, domain.ErrPayloadMalformed)

	_, err = RewriteResponseContent([]byte(`{"choices":[]}`), "x")
	assert.ErrorIs(t, err, domain.ErrNoChoices)

	_, err = RewriteResponseContent([]byte(`{"id":1}`), "x")
	assert.ErrorIs(t, err, domain.ErrPayloadMalformed)
}

func TestRewriteResponseContent_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := rapid.String().Draw(t, "original")
		replacement := rapid.String().Draw(t, "replacement")

		body := []byte(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":` + quote(original) + `}}]}`)
		rewritten, err := RewriteResponseContent(body, replacement)
		if err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		got, err := ExtractResponseText(rewritten)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if got != replacement {
			t.Fatalf("content %q, want %q", got, replacement)
		}
	})
}

func TestReduceToAllowOnError(t *testing.T) {
	failure := domain.NewScoringError(domain.KindSemantic, errors.New("missing blocked"))
	blocked := domain.Verdict{Blocked: true, Reason: "r", Label: domain.LabelRisky}

	assert.Equal(t, blocked, ReduceToAllowOnError(domain.ScoreResult{Verdict: blocked}, FailOpen))
	assert.Equal(t, blocked, ReduceToAllowOnError(domain.ScoreResult{Verdict: blocked, Err: failure}, FailOpen))
	assert.Equal(t, domain.Allowed(), ReduceToAllowOnError(domain.ScoreResult{Err: failure}, FailOpen))

	closed := ReduceToAllowOnError(domain.ScoreResult{Err: failure}, FailClosed)
	assert.True(t, closed.Blocked)
	assert.Equal(t, FailClosedReason, closed.Reason)
}

func TestParseFailureMode(t *testing.T) {
	for in, want := range map[string]FailureMode{"": FailOpen, "open": FailOpen, " CLOSED ": FailClosed} {
		got, err := ParseFailureMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFailureMode("ajar")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
