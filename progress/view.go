// Package progress shows the progress of a calendar connection attempt, as published on the
// connection channel by whichever tab handles the consent callback.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/authflow/channel"
	"github.com/getlantern/authflow/config"
	"github.com/getlantern/authflow/event"
	"github.com/getlantern/authflow/events"
	"github.com/getlantern/authflow/metrics"
	"github.com/getlantern/authflow/tab"
)

// ExitReason says why a view left the progress route.
type ExitReason string

const (
	ExitCompleted ExitReason = "completed"
	ExitFailed    ExitReason = "failed"
	ExitAbandoned ExitReason = "abandoned"
)

// UpdateEvent is emitted whenever the displayed progress changes and once when the view exits.
type UpdateEvent struct {
	TabID    string
	Stage    channel.Stage
	Message  string
	Complete bool
	Exit     ExitReason `json:",omitempty"`
}

// Channel is the part of the connection channel a View needs.
type Channel interface {
	Record() channel.Record
	Subscribe(key string, fn func(channel.Change)) *event.Subscription
	Unsubscribe(sub *event.Subscription)
	ClearAttempt() (int, error)
}

// View follows one connection attempt. When the attempt completes or fails it waits for the display
// delay, then clears the attempt and navigates to the stored destination. If the attempt never ends
// the fallback timer does the same.
type View struct {
	ch           Channel
	nav          tab.Navigator
	displayDelay time.Duration
	fallback     time.Duration

	mu            sync.Mutex
	mounted       bool
	stages        []channel.Stage
	message       string
	complete      bool
	settled       bool
	exit          ExitReason
	subs          []*event.Subscription
	displayTimer  *time.Timer
	fallbackTimer *time.Timer

	// msgMu orders message updates against the snapshot taken at mount
	msgMu   sync.Mutex
	msgSeen string // last value of the message key accounted for

	finishOnce sync.Once
	done       chan struct{}
}

func NewView(ch Channel, nav tab.Navigator, timing config.Timing) *View {
	return &View{
		ch:           ch,
		nav:          nav,
		displayDelay: timing.CompletionDisplayDelay,
		fallback:     timing.FallbackTimeout,
		done:         make(chan struct{}),
	}
}

// Mount shows the current state of the attempt, subscribes to its keys and arms the fallback
// timer.
func (v *View) Mount() {
	v.mu.Lock()
	if v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = true
	v.fallbackTimer = time.AfterFunc(v.fallback, func() { v.finish(ExitAbandoned) })
	v.mu.Unlock()

	// deliveries queued before the snapshot below wait on msgMu and are reconciled against it
	v.msgMu.Lock()
	subs := []*event.Subscription{
		v.ch.Subscribe(channel.StageKey, func(c channel.Change) { v.onStage(channel.Stage(c.New)) }),
		v.ch.Subscribe(channel.MessageKey, v.onMessageChange),
		v.ch.Subscribe(channel.CompleteKey, func(c channel.Change) {
			if c.New == channel.CompleteValue {
				v.settle(ExitCompleted)
			}
		}),
	}
	v.mu.Lock()
	v.subs = subs
	v.mu.Unlock()

	rec := v.ch.Record()
	v.msgSeen = rec.Message
	v.showMessage(rec.Message)
	v.msgMu.Unlock()

	v.onStage(rec.Stage)
	if rec.Complete {
		v.settle(ExitCompleted)
	}
}

func (v *View) onStage(stage channel.Stage) {
	if stage == channel.StageNone || !stage.Valid() {
		return
	}
	v.mu.Lock()
	if !v.mounted || v.exit != "" {
		v.mu.Unlock()
		return
	}
	// each stage is shown once, and never one earlier than what is already shown
	if n := len(v.stages); n > 0 && stage.Order() <= v.stages[n-1].Order() {
		v.mu.Unlock()
		return
	}
	v.stages = append(v.stages, stage)
	evt := v.updateLocked()
	v.mu.Unlock()

	events.Emit(evt)
	switch stage {
	case channel.StageComplete:
		v.settle(ExitCompleted)
	case channel.StageFailed:
		v.settle(ExitFailed)
	}
}

// onMessageChange shows a new message. A change that does not follow from the last value seen was
// queued before a newer write was already accounted for, so the current value is read instead.
func (v *View) onMessageChange(c channel.Change) {
	v.msgMu.Lock()
	defer v.msgMu.Unlock()
	if c.Old == v.msgSeen {
		v.msgSeen = c.New
	} else {
		v.msgSeen = v.ch.Record().Message
	}
	v.showMessage(v.msgSeen)
}

func (v *View) showMessage(msg string) {
	if msg == "" {
		return
	}
	v.mu.Lock()
	if !v.mounted || v.exit != "" || msg == v.message {
		v.mu.Unlock()
		return
	}
	v.message = msg
	evt := v.updateLocked()
	v.mu.Unlock()
	events.Emit(evt)
}

// settle keeps the final state on screen for the display delay, then exits with reason. Only the
// first terminal state of an attempt counts.
func (v *View) settle(reason ExitReason) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted || v.settled || v.exit != "" {
		return
	}
	v.settled = true
	v.complete = reason == ExitCompleted
	if v.fallbackTimer != nil {
		v.fallbackTimer.Stop()
	}
	v.displayTimer = time.AfterFunc(v.displayDelay, func() { v.finish(reason) })
	slog.Debug("Calendar connection ended", "tab", v.nav.ID(), "result", reason, "delay", v.displayDelay)
}

// finish clears the attempt and navigates away. It runs at most once per view, whichever of the
// completion and fallback paths gets there first.
func (v *View) finish(reason ExitReason) {
	v.finishOnce.Do(func() {
		v.mu.Lock()
		if !v.mounted {
			v.mu.Unlock()
			return
		}
		v.exit = reason
		evt := v.updateLocked()
		v.mu.Unlock()

		destination := v.ch.Record().DestinationOrDefault()
		if _, err := v.ch.ClearAttempt(); err != nil {
			slog.Warn("Could not clear connection attempt", "error", err)
		}
		switch reason {
		case ExitAbandoned:
			slog.Info("Calendar connection did not complete in time", "tab", v.nav.ID())
		case ExitFailed:
			slog.Info("Calendar connection failed", "tab", v.nav.ID(), "message", evt.Message)
		}
		metrics.ProgressExit(context.Background(), string(reason))
		events.Emit(evt)
		v.nav.Navigate(destination)
		close(v.done)
	})
}

func (v *View) updateLocked() UpdateEvent {
	evt := UpdateEvent{
		TabID:    v.nav.ID(),
		Message:  v.message,
		Complete: v.complete,
		Exit:     v.exit,
	}
	if n := len(v.stages); n > 0 {
		evt.Stage = v.stages[n-1]
	}
	return evt
}

// Stages returns every stage displayed so far, in display order.
func (v *View) Stages() []channel.Stage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]channel.Stage(nil), v.stages...)
}

func (v *View) Message() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.message
}

func (v *View) Complete() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.complete
}

// Exit returns why the view exited, or "" while it is still showing progress.
func (v *View) Exit() ExitReason {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exit
}

// Done is closed once the view has navigated away.
func (v *View) Done() <-chan struct{} {
	return v.done
}

// Unmount releases the subscriptions and stops both timers. A view that is unmounted before it
// exits never navigates.
func (v *View) Unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	subs := v.subs
	v.subs = nil
	for _, t := range []*time.Timer{v.displayTimer, v.fallbackTimer} {
		if t != nil {
			t.Stop()
		}
	}
	v.mu.Unlock()

	for _, sub := range subs {
		v.ch.Unsubscribe(sub)
	}
}
