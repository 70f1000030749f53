package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := Errorf(KindProviderBlocked, "status %d", 429)
	wrapped := fmt.Errorf("attempt 1: %w", err)

	assert.True(t, errors.Is(wrapped, ErrProviderBlocked))
	assert.False(t, errors.Is(wrapped, ErrAuthExpired))
	assert.Equal(t, "provider_blocked: status 429", err.Error())
}

func TestErrorfWrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Errorf(KindNetworkTimeout, "replay: %w", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindNetworkTimeout, KindOf(err))
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"classified", ErrResponseParse, KindResponseParseError},
		{"canceled", context.Canceled, KindCancelled},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), KindNetworkTimeout},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestAsErrorKeepsClassification(t *testing.T) {
	orig := Errorf(KindAuthExpired, "redirected to sign in")
	got := AsError(fmt.Errorf("login: %w", orig))
	assert.Same(t, orig, got)

	plain := AsError(errors.New("boom"))
	assert.Equal(t, KindInternal, plain.Kind)
	assert.Equal(t, "boom", plain.Detail)
}

func TestLastUserMessage(t *testing.T) {
	req := &NormalizedRequest{Messages: []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "ok"},
		{Role: RoleUser, Content: "second"},
	}}
	assert.Equal(t, "second", req.LastUserMessage())
	assert.Equal(t, "", (&NormalizedRequest{}).LastUserMessage())
}
