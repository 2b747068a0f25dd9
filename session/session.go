// Package session owns the signed-in user, their credentials and the calendar connection state, and
// exposes the operations that change them.
package session

import (
	"github.com/getlantern/authflow/channel"
	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/provider"
)

type State string

const (
	StateUninitialized   State = "uninitialized"
	StateLoading         State = "loading"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
	StateError           State = "error"
)

// ErrorInfo is the error slot of a session. Message is shown to the user as is.
type ErrorInfo struct {
	Kind    common.Kind `json:"kind"`
	Message string      `json:"message"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: common.KindOf(err), Message: common.UserMessage(err)}
}

// Session is an immutable snapshot. The store replaces the pointed-to values rather than modifying
// them, so snapshots can be shared freely.
type Session struct {
	State             State
	User              *provider.User
	Credentials       *provider.Credentials
	CalendarStage     channel.Stage
	HasCalendarAccess bool
	Loading           bool
	Err               *ErrorInfo
}

// SignedIn reports whether the session has a user.
func (s Session) SignedIn() bool {
	return s.User != nil
}

// ChangeEvent is emitted after every change of the session.
type ChangeEvent struct {
	Old Session
	New Session
}

// persisted is what survives a restart.
type persisted struct {
	User              *provider.User        `json:"user,omitempty"`
	Credentials       *provider.Credentials `json:"credentials,omitempty"`
	CalendarStage     channel.Stage         `json:"calendarStage,omitempty"`
	HasCalendarAccess bool                  `json:"hasCalendarAccess"`
	Err               *ErrorInfo            `json:"error,omitempty"`
}
