package common

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", NewError(EnvironmentError, "no storage"), EnvironmentError},
		{"wrapped classified", fmt.Errorf("resolve: %w", NewError(AuthResolutionError, "denied")), AuthResolutionError},
		{"deadline", context.DeadlineExceeded, NetworkError},
		{"url error", &url.Error{Op: "Post", URL: "http://x", Err: errors.New("boom")}, NetworkError},
		{"message hint", errors.New("dial tcp: connection refused"), NetworkError},
		{"gateway status", errors.New("unexpected status 503"), NetworkError},
		{"anything else", errors.New("bad things"), GeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapErrorKeepsClassification(t *testing.T) {
	inner := NewError(CalendarExchangeError, "code rejected")
	err := WrapError(NetworkError, "exchange", inner)
	assert.Equal(t, CalendarExchangeError, KindOf(err))
	assert.Nil(t, WrapError(GeneralError, "nothing", nil))

	wrapped := WrapError(NetworkError, "exchange", errors.New("eof"))
	assert.Equal(t, NetworkError, KindOf(wrapped))
	assert.Equal(t, "exchange: eof", wrapped.Error())
	assert.True(t, errors.Is(wrapped, &Error{Kind: NetworkError}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: GeneralError}))
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, "code rejected", UserMessage(NewError(CalendarExchangeError, "code rejected")))
	assert.Contains(t, UserMessage(errors.New("i/o timeout")), "Network error")
	assert.NotContains(t, UserMessage(WrapError(AuthResolutionError, "", errors.New("secret detail"))), "secret detail")
}

func TestExpected(t *testing.T) {
	assert.True(t, Expected(NetworkError))
	assert.True(t, Expected(CalendarExchangeError))
	assert.False(t, Expected(GeneralError))
	assert.False(t, Expected(EnvironmentError))
}
