package channel

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openChannel(t *testing.T, dir string) *Channel {
	t.Helper()
	c, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) add(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestSetGetDelete(t *testing.T) {
	c := openChannel(t, t.TempDir())

	_, ok := c.Get(StageKey)
	assert.False(t, ok)

	require.NoError(t, c.Set(StageKey, string(StageConnecting)))
	v, ok := c.Get(StageKey)
	assert.True(t, ok)
	assert.Equal(t, "connecting", v)

	n, err := c.Delete(StageKey, CompleteKey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Delete(StageKey)
	require.NoError(t, err)
	assert.Zero(t, n, "deleting an absent key is a no-op")
}

func TestRecord(t *testing.T) {
	c := openChannel(t, t.TempDir())

	rec := c.Record()
	assert.Equal(t, StageNone, rec.Stage)
	assert.Equal(t, DefaultDestination, rec.DestinationOrDefault())

	require.NoError(t, c.Apply(map[string]string{
		StageKey:       string(StageVerifying),
		MessageKey:     "Verifying access",
		DestinationKey: "/settings",
	}))
	require.NoError(t, c.MarkComplete(""))

	rec = c.Record()
	assert.Equal(t, StageComplete, rec.Stage)
	assert.Equal(t, "Verifying access", rec.Message)
	assert.True(t, rec.Complete)
	assert.Equal(t, "/settings", rec.DestinationOrDefault())

	n, err := c.ClearAttempt()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Empty(t, c.All())
}

func TestSubscribePerKey(t *testing.T) {
	c := openChannel(t, t.TempDir())

	var stages, all recorder
	c.Subscribe(StageKey, stages.add)
	c.Subscribe(AnyKey, all.add)

	require.NoError(t, c.SetStage(StageConnecting, "Opening Google"))
	require.NoError(t, c.SetStage(StageConnecting, ""), "rewriting the same value does not notify")
	require.NoError(t, c.SetStage(StageVerifying, ""))

	assert.Eventually(t, func() bool { return len(stages.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	got := stages.snapshot()
	assert.Equal(t, "connecting", got[0].New)
	assert.Equal(t, "verifying", got[1].New)
	assert.Equal(t, "connecting", got[1].Old)
	assert.False(t, got[1].Remote)

	assert.Eventually(t, func() bool { return len(all.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestCrossInstanceNotification(t *testing.T) {
	dir := t.TempDir()
	writer := openChannel(t, dir)
	reader := openChannel(t, dir)

	var seen recorder
	reader.Subscribe(CompleteKey, seen.add)

	require.NoError(t, writer.MarkComplete(""))

	assert.Eventually(t, func() bool { return len(seen.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	change := seen.snapshot()[0]
	assert.True(t, change.Present)
	assert.True(t, change.Remote)
	assert.Equal(t, CompleteValue, change.New)

	// last write wins: the reader starts from what the writer stored
	require.NoError(t, reader.Set(StageKey, string(StageConnecting)))
	v, _ := writer.Get(StageKey)
	assert.Equal(t, "connecting", v)
	v, _ = writer.Get(CompleteKey)
	assert.Equal(t, CompleteValue, v)

	n, err := writer.ClearAttempt()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = reader.ClearAttempt()
	require.NoError(t, err)
	assert.Zero(t, n, "second clear from another instance finds nothing")
}

func TestConcurrentWritersKeepEachOthersKeys(t *testing.T) {
	dir := t.TempDir()
	a := openChannel(t, dir)
	b := openChannel(t, dir)

	var wg sync.WaitGroup
	write := func(c *Channel, key string) {
		defer wg.Done()
		for i := range 25 {
			assert.NoError(t, c.Set(key, fmt.Sprint(i)))
		}
	}
	wg.Add(2)
	go write(a, StageKey)
	go write(b, MessageKey)
	wg.Wait()

	fresh := openChannel(t, dir)
	all := fresh.All()
	assert.Equal(t, "24", all[StageKey])
	assert.Equal(t, "24", all[MessageKey])
	assert.NoFileExists(t, fresh.Path()+".lock")
}

func TestClosed(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Set(StageKey, "x"), ErrClosed)
}

func TestStageOrder(t *testing.T) {
	assert.Less(t, StageConnecting.Order(), StageVerifying.Order())
	assert.Less(t, StageVerifying.Order(), StageComplete.Order())
	assert.False(t, Stage("bogus").Valid())
	assert.Equal(t, StageComplete.Order(), StageFailed.Order())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageVerifying.Terminal())
}
