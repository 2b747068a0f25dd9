package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"github.com/getlantern/authflow"
	"github.com/getlantern/authflow/channel"
	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/common/reporting"
	"github.com/getlantern/authflow/events"
	"github.com/getlantern/authflow/landing"
	"github.com/getlantern/authflow/session"
)

type SignInCmd struct {
	Timeout time.Duration `arg:"--timeout" default:"5m" help:"how long to wait for the browser sign-in"`
}

type SignOutCmd struct{}

type StatusCmd struct{}

type ConnectCmd struct {
	Destination string        `arg:"--destination" help:"route to show once the calendar is connected"`
	Timeout     time.Duration `arg:"--timeout" default:"5m" help:"how long to wait for calendar consent"`
}

type WatchCmd struct{}

type ServeCmd struct{}

type args struct {
	DataPath   string `arg:"--data-path" default:"$HOME/.authflow" help:"path to store data"`
	LogPath    string `arg:"--log-path" default:"$HOME/.authflow" help:"path to store logs"`
	LogLevel   string `arg:"--log-level" default:"info" help:"logging level (trace, debug, info, warn, error)"`
	ConfigPath string `arg:"--config" help:"JSON or YAML config file"`
	Telemetry  bool   `arg:"--telemetry" help:"send traces and metrics to the configured collector"`

	SignIn  *SignInCmd  `arg:"subcommand:signin" help:"sign in with the identity provider"`
	SignOut *SignOutCmd `arg:"subcommand:signout" help:"sign out and forget stored credentials"`
	Status  *StatusCmd  `arg:"subcommand:status" help:"print the current session"`
	Connect *ConnectCmd `arg:"subcommand:connect" help:"connect a calendar to the signed-in account"`
	Watch   *WatchCmd   `arg:"subcommand:watch" help:"print connection channel changes as they happen"`
	Serve   *ServeCmd   `arg:"subcommand:serve" help:"run the landing server until interrupted"`
}

func (args) Version() string {
	return common.Name + " " + common.Version
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flow, err := authflow.NewFlow(authflow.Options{
		DataDir:          os.ExpandEnv(a.DataPath),
		LogDir:           os.ExpandEnv(a.LogPath),
		LogLevel:         a.LogLevel,
		ConfigPath:       a.ConfigPath,
		TelemetryConsent: a.Telemetry,
		// signout and status only touch local state
		DisableLanding: a.SignOut != nil || a.Status != nil,
	})
	if err != nil {
		log.Fatalf("Failed to start %s: %v", common.Name, err)
	}

	switch {
	case a.SignIn != nil:
		err = signIn(ctx, flow, a.SignIn.Timeout)
	case a.SignOut != nil:
		err = flow.SignOut(ctx)
	case a.Status != nil:
		err = printJSON(landing.NewSessionView(flow.Session()))
	case a.Connect != nil:
		err = connect(ctx, flow, a.Connect.Destination, a.Connect.Timeout)
	case a.Watch != nil:
		err = watch(ctx, flow)
	case a.Serve != nil:
		slog.Info("Serving landing routes", "addr", flow.LandingAddr())
		<-ctx.Done()
	}

	time.AfterFunc(15*time.Second, func() {
		log.Fatal("Failed to shut down in time, forcing exit.")
	})
	if cerr := flow.Close(); cerr != nil {
		slog.Error("Failed to close", "error", cerr)
	}
	reporting.Flush(2 * time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, common.UserMessage(err))
		os.Exit(1)
	}
}

// signIn opens the sign-in page and waits for the landing server to resolve the redirect.
func signIn(ctx context.Context, flow *authflow.Flow, timeout time.Duration) error {
	if flow.Session().SignedIn() {
		fmt.Println("Already signed in")
		return nil
	}
	if flow.LandingAddr() == "" {
		return errors.New("the landing server is disabled; enable it to receive the sign-in redirect")
	}
	done := make(chan session.Session, 1)
	sub := events.Subscribe(func(evt session.ChangeEvent) {
		if evt.New.SignedIn() || (evt.New.Err != nil && evt.New.State == session.StateError) {
			select {
			case done <- evt.New:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	authURL, err := flow.SignIn(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Continue signing in in your browser:\n  %s\n", authURL)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return errors.New("timed out waiting for sign-in")
	case s := <-done:
		if !s.SignedIn() {
			return common.NewError(s.Err.Kind, "%s", s.Err.Message)
		}
		fmt.Printf("Signed in as %s\n", s.User.Email)
		return nil
	}
}

// connect starts a calendar connection attempt and follows the channel until it completes or
// fails.
func connect(ctx context.Context, flow *authflow.Flow, destination string, timeout time.Duration) error {
	complete := make(chan struct{}, 1)
	failed := make(chan struct{}, 1)
	notify := func(c chan struct{}) {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	sub := flow.SubscribeChannel(func(c channel.Change) {
		switch c.Key {
		case channel.MessageKey:
			if c.Present {
				fmt.Println(c.New)
			}
		case channel.StageKey:
			if channel.Stage(c.New) == channel.StageFailed {
				notify(failed)
			}
		case channel.CompleteKey:
			if c.New == channel.CompleteValue {
				notify(complete)
			}
		}
	})
	defer flow.Channel().Unsubscribe(sub)

	consentURL, err := flow.ConnectCalendar(ctx, destination)
	if err != nil {
		return err
	}
	fmt.Printf("Grant calendar access in your browser:\n  %s\n", consentURL)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		_, _ = flow.Channel().ClearAttempt()
		return errors.New("timed out waiting for calendar consent")
	case <-failed:
		msg, _ := flow.Channel().Get(channel.MessageKey)
		_, _ = flow.Channel().ClearAttempt()
		return common.NewError(common.CalendarExchangeError, "%s", msg)
	case <-complete:
		_, _ = flow.Channel().ClearAttempt()
		return nil
	}
}

func watch(ctx context.Context, flow *authflow.Flow) error {
	enc := json.NewEncoder(os.Stdout)
	sub := flow.SubscribeChannel(func(c channel.Change) {
		if err := enc.Encode(c); err != nil {
			slog.Error("Failed to print change", "error", err)
		}
	})
	defer flow.Channel().Unsubscribe(sub)
	<-ctx.Done()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
