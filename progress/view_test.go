package progress

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/authflow/channel"
	"github.com/getlantern/authflow/config"
	"github.com/getlantern/authflow/event"
	"github.com/getlantern/authflow/tab"
)

// countingChannel counts attempt clears.
type countingChannel struct {
	*channel.Channel
	clears atomic.Int32
}

func (c *countingChannel) ClearAttempt() (int, error) {
	c.clears.Add(1)
	return c.Channel.ClearAttempt()
}

func setup(t *testing.T, display, fallback time.Duration) (*countingChannel, *tab.Tab, *View) {
	t.Helper()
	ch, err := channel.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	cc := &countingChannel{Channel: ch}

	tb, err := tab.New("http://127.0.0.1/calendar/connecting")
	require.NoError(t, err)

	timing := config.Default().Timing
	timing.CompletionDisplayDelay = display
	timing.FallbackTimeout = fallback
	v := NewView(cc, tb, timing)
	t.Cleanup(v.Unmount)
	return cc, tb, v
}

func waitDone(t *testing.T, v *View, within time.Duration) {
	t.Helper()
	select {
	case <-v.Done():
	case <-time.After(within):
		t.Fatalf("view did not exit within %v", within)
	}
}

func TestStagesDisplayedOnceInOrder(t *testing.T) {
	const display = 100 * time.Millisecond
	ch, tb, v := setup(t, display, time.Minute)
	require.NoError(t, ch.Apply(map[string]string{channel.DestinationKey: "/settings"}))
	v.Mount()

	for _, stage := range []channel.Stage{channel.StageConnecting, channel.StageVerifying} {
		require.NoError(t, ch.SetStage(stage, ""))
		time.Sleep(30 * time.Millisecond)
	}
	// a duplicate write of an earlier stage must not show it again
	require.NoError(t, ch.SetStage(channel.StageConnecting, ""))
	time.Sleep(30 * time.Millisecond)

	completedAt := time.Now()
	require.NoError(t, ch.SetStage(channel.StageComplete, "Calendar connected successfully!"))
	waitDone(t, v, display+time.Second)

	assert.GreaterOrEqual(t, time.Since(completedAt), display)
	assert.Equal(t, []channel.Stage{channel.StageConnecting, channel.StageVerifying, channel.StageComplete}, v.Stages())
	assert.Equal(t, "Calendar connected successfully!", v.Message())
	assert.Equal(t, ExitCompleted, v.Exit())
	assert.Equal(t, "/settings", tb.Location().Path)
	assert.Empty(t, ch.All())
	assert.EqualValues(t, 1, ch.clears.Load())
}

func TestCompletionFlag(t *testing.T) {
	ch, tb, v := setup(t, 10*time.Millisecond, time.Minute)
	v.Mount()
	require.NoError(t, ch.Set(channel.CompleteKey, channel.CompleteValue))
	waitDone(t, v, time.Second)
	assert.True(t, v.Complete())
	assert.Equal(t, channel.DefaultDestination, tb.Location().Path)
}

func TestAlreadyCompleteAtMount(t *testing.T) {
	ch, tb, v := setup(t, 10*time.Millisecond, time.Minute)
	require.NoError(t, ch.MarkComplete(""))
	v.Mount()
	waitDone(t, v, time.Second)
	assert.Equal(t, []channel.Stage{channel.StageComplete}, v.Stages())
	assert.Equal(t, channel.DefaultDestination, tb.Location().Path)
}

func TestFailedStageEndsTheView(t *testing.T) {
	const display = 50 * time.Millisecond
	ch, tb, v := setup(t, display, time.Minute)
	require.NoError(t, ch.Apply(map[string]string{channel.DestinationKey: "/settings"}))
	v.Mount()
	require.NoError(t, ch.SetStage(channel.StageVerifying, "Verifying calendar access..."))
	time.Sleep(20 * time.Millisecond)

	failedAt := time.Now()
	require.NoError(t, ch.SetStage(channel.StageFailed, "Calendar access was not granted"))
	waitDone(t, v, display+time.Second)

	assert.GreaterOrEqual(t, time.Since(failedAt), display, "the failure stays on screen first")
	assert.Equal(t, ExitFailed, v.Exit())
	assert.False(t, v.Complete())
	assert.Equal(t, []channel.Stage{channel.StageVerifying, channel.StageFailed}, v.Stages())
	assert.Equal(t, "Calendar access was not granted", v.Message())
	assert.Equal(t, "/settings", tb.Location().Path)
	assert.Empty(t, ch.All())
}

func TestFallback(t *testing.T) {
	const fallback = 80 * time.Millisecond
	ch, tb, v := setup(t, 10*time.Millisecond, fallback)
	require.NoError(t, ch.SetStage(channel.StageConnecting, "Connecting..."))
	mounted := time.Now()
	v.Mount()
	require.NoError(t, ch.SetStage(channel.StageVerifying, ""))

	waitDone(t, v, fallback+time.Second)
	assert.GreaterOrEqual(t, time.Since(mounted), fallback)
	assert.Equal(t, ExitAbandoned, v.Exit())
	assert.Equal(t, channel.DefaultDestination, tb.Location().Path)
	assert.Empty(t, ch.All())

	// nothing runs a second time
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, ch.clears.Load())
	assert.Len(t, tb.History(), 2)
}

func TestCompletionAndFallbackRace(t *testing.T) {
	ch, tb, v := setup(t, 30*time.Millisecond, 30*time.Millisecond)
	v.Mount()
	require.NoError(t, ch.MarkComplete(""))
	waitDone(t, v, time.Second)
	time.Sleep(80 * time.Millisecond)
	assert.EqualValues(t, 1, ch.clears.Load())
	assert.Len(t, tb.History(), 2)
}

func TestTwoViewsClearOnce(t *testing.T) {
	ch, tbA, a := setup(t, 10*time.Millisecond, time.Minute)
	tbB, err := tab.New("http://127.0.0.1/calendar/connecting")
	require.NoError(t, err)
	b := NewView(ch, tbB, config.Timing{CompletionDisplayDelay: 10 * time.Millisecond, FallbackTimeout: time.Minute})
	defer b.Unmount()

	a.Mount()
	b.Mount()
	require.NoError(t, ch.MarkComplete(""))
	waitDone(t, a, time.Second)
	waitDone(t, b, time.Second)
	assert.Equal(t, channel.DefaultDestination, tbA.Location().Path)
	assert.Equal(t, channel.DefaultDestination, tbB.Location().Path)
	assert.Empty(t, ch.All())
}

func TestUnmountStopsEverything(t *testing.T) {
	ch, tb, v := setup(t, 10*time.Millisecond, 30*time.Millisecond)
	v.Mount()
	v.Unmount()
	require.NoError(t, ch.MarkComplete(""))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-v.Done():
		t.Fatal("unmounted view navigated")
	default:
	}
	assert.Len(t, tb.History(), 1)
	assert.EqualValues(t, 0, ch.clears.Load())
}

// scriptedChannel delivers changes only when the test says so, which lets a test replay deliveries
// that were queued before the view read the channel.
type scriptedChannel struct {
	mu      sync.Mutex
	rec     channel.Record
	subs    map[string]func(channel.Change)
	onRead  func()
	cleared int
}

func (c *scriptedChannel) Record() channel.Record {
	c.mu.Lock()
	rec, onRead := c.rec, c.onRead
	c.onRead = nil
	c.mu.Unlock()
	if onRead != nil {
		onRead()
	}
	return rec
}

func (c *scriptedChannel) Subscribe(key string, fn func(channel.Change)) *event.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]func(channel.Change))
	}
	c.subs[key] = fn
	return &event.Subscription{}
}

func (c *scriptedChannel) Unsubscribe(*event.Subscription) {}

func (c *scriptedChannel) ClearAttempt() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
	return 0, nil
}

func (c *scriptedChannel) setMessage(msg string) {
	c.mu.Lock()
	c.rec.Message = msg
	c.mu.Unlock()
}

func (c *scriptedChannel) deliver(old, next string) {
	c.mu.Lock()
	fn := c.subs[channel.MessageKey]
	c.mu.Unlock()
	fn(channel.Change{Key: channel.MessageKey, Old: old, New: next, Present: next != ""})
}

func newScriptedView(t *testing.T, ch *scriptedChannel) *View {
	t.Helper()
	tb, err := tab.New("http://127.0.0.1/calendar/connecting")
	require.NoError(t, err)
	v := NewView(ch, tb, config.Timing{CompletionDisplayDelay: time.Minute, FallbackTimeout: time.Hour})
	t.Cleanup(v.Unmount)
	return v
}

func TestStaleMessageDeliveries(t *testing.T) {
	const (
		connecting = "Connecting to your calendar..."
		verifying  = "Verifying calendar access..."
		connected  = "Calendar connected successfully!"
	)

	t.Run("queued before the mount snapshot", func(t *testing.T) {
		ch := &scriptedChannel{rec: channel.Record{Stage: channel.StageVerifying, Message: verifying}}
		v := newScriptedView(t, ch)
		v.Mount()
		require.Equal(t, verifying, v.Message())

		ch.deliver("", connecting)
		ch.deliver(connecting, verifying)
		assert.Equal(t, verifying, v.Message(), "older messages do not replace the snapshot")

		ch.setMessage(connected)
		ch.deliver(verifying, connected)
		assert.Equal(t, connected, v.Message())
	})

	t.Run("delivered while the snapshot is read", func(t *testing.T) {
		ch := &scriptedChannel{rec: channel.Record{Message: connecting}}
		v := newScriptedView(t, ch)
		delivered := make(chan struct{})
		ch.onRead = func() {
			// a newer write lands after the snapshot was taken; its delivery must wait for it
			go func() {
				ch.deliver(connecting, verifying)
				close(delivered)
			}()
			time.Sleep(10 * time.Millisecond)
		}
		ch.setMessage(connecting)
		v.Mount()
		<-delivered
		assert.Equal(t, verifying, v.Message())
	})

	t.Run("out of order deliveries settle on the stored value", func(t *testing.T) {
		ch := &scriptedChannel{rec: channel.Record{Message: connecting}}
		v := newScriptedView(t, ch)
		v.Mount()

		ch.setMessage(connected)
		ch.deliver(verifying, connected)
		assert.Equal(t, connected, v.Message())
		ch.deliver(connecting, verifying)
		assert.Equal(t, connected, v.Message())
	})
}
