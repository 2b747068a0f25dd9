package handlers

import (
	"context"
	"log/slog"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/getlantern/authflow/api"
	"github.com/getlantern/authflow/channel"
	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/common/reporting"
	"github.com/getlantern/authflow/traces"
)

// CallbackState is the view state of the calendar callback route.
type CallbackState string

const (
	CallbackProcessing CallbackState = "processing"
	CallbackSuccess    CallbackState = "success"
	CallbackError      CallbackState = "error"
)

const (
	verifyingMessage = "Verifying calendar access..."
	connectedMessage = "Calendar connected successfully!"
)

// CodeExchanger trades the calendar authorization code for calendar access.
type CodeExchanger interface {
	ExchangeAuthorizationCode(ctx context.Context, code string) (*api.CalendarGrant, error)
}

// StateChecker accepts the state of a consent callback only when it answers a consent URL this
// install handed out.
type StateChecker interface {
	CheckState(state string) error
}

// StageWriter publishes the progress of a connection attempt to other tabs.
type StageWriter interface {
	SetStage(stage channel.Stage, message string) error
	MarkComplete(message string) error
}

// CallbackResult is the terminal view state of a callback run.
type CallbackResult struct {
	State   CallbackState
	Message string
}

// CallbackHandler runs on the calendar consent callback route. It moves from processing to either
// success or error and never retries on its own: the code is single use.
type CallbackHandler struct {
	exchanger CodeExchanger
	states    StateChecker
	channel   StageWriter
	retryURL  func() string

	mu      sync.Mutex
	state   CallbackState
	message string
}

// NewCallbackHandler returns a handler in the processing state. retryURL may be nil.
func NewCallbackHandler(exchanger CodeExchanger, states StateChecker, ch StageWriter, retryURL func() string) *CallbackHandler {
	return &CallbackHandler{
		exchanger: exchanger,
		states:    states,
		channel:   ch,
		retryURL:  retryURL,
		state:     CallbackProcessing,
	}
}

// Run handles the landing URL of the consent callback.
func (h *CallbackHandler) Run(ctx context.Context, landing *url.URL) CallbackResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "CallbackHandler.Run")
	defer span.End()

	var query url.Values
	if landing != nil {
		query = landing.Query()
	}
	if indicator := query.Get("error"); indicator != "" {
		slog.Info("Calendar consent was not granted", "error", indicator)
		return h.fail(ctx, common.NewError(common.CalendarExchangeError, "OAuth error: %s", indicator))
	}
	code := query.Get("code")
	if code == "" {
		return h.fail(ctx, common.NewError(common.CalendarExchangeError, "No authorization code received"))
	}
	if err := h.states.CheckState(query.Get("state")); err != nil {
		// not an answer to this install's consent: leave the attempt in progress alone
		traces.RecordError(ctx, err)
		return h.set(CallbackError, common.UserMessage(err))
	}

	h.publish(func() error { return h.channel.SetStage(channel.StageVerifying, verifyingMessage) })
	if _, err := h.exchanger.ExchangeAuthorizationCode(ctx, code); err != nil {
		return h.fail(ctx, err)
	}

	h.publish(func() error { return h.channel.MarkComplete(connectedMessage) })
	return h.set(CallbackSuccess, connectedMessage)
}

func (h *CallbackHandler) fail(ctx context.Context, err error) CallbackResult {
	msg := common.UserMessage(err)
	kind := common.KindOf(err)
	traces.RecordError(ctx, err)
	if !common.Expected(kind) {
		reporting.Capture(err, map[string]string{"route": "callback", "kind": string(kind)})
	}
	// other tabs stop waiting as soon as the attempt has failed
	h.publish(func() error { return h.channel.SetStage(channel.StageFailed, msg) })
	return h.set(CallbackError, msg)
}

// publish writes to the channel. Other tabs only miss an update when it fails, so the failure is
// logged and the callback carries on.
func (h *CallbackHandler) publish(write func() error) {
	if h.channel == nil {
		return
	}
	if err := write(); err != nil {
		slog.Warn("Could not publish connection progress", "error", err)
	}
}

func (h *CallbackHandler) set(state CallbackState, message string) CallbackResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state, h.message = state, message
	return CallbackResult{State: state, Message: message}
}

func (h *CallbackHandler) State() CallbackState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *CallbackHandler) Message() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.message
}

// RetryURL returns a fresh consent URL for a user initiated retry, or "" when none is configured.
func (h *CallbackHandler) RetryURL() string {
	if h.retryURL == nil {
		return ""
	}
	return h.retryURL()
}
