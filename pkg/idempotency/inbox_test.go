package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInvalid = errors.New("invalid dose")

func newTestInbox() (*MemoryInbox, *time.Time) {
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Terminal = func(err error) bool { return errors.Is(err, errInvalid) }
	in := NewMemoryInbox(cfg)
	in.now = func() time.Time { return now }
	return in, &now
}

func TestProcessReplaysFinishedResult(t *testing.T) {
	in, _ := newTestInbox()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"id":"rec-1"}`), nil
	}

	first, err := in.Process(ctx, "k", "record_dose", nil, fn)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := in.Process(ctx, "k", "record_dose", nil, fn)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, `{"id":"rec-1"}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessRecoverableErrorAllowsRetry(t *testing.T) {
	in, _ := newTestInbox()
	ctx := context.Background()

	_, err := in.Process(ctx, "k", "h", nil, func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("version conflict")
	})
	require.Error(t, err)

	out, err := in.Process(ctx, "k", "h", nil, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.True(t, out.WasRecovered)
}

func TestProcessTerminalErrorSticks(t *testing.T) {
	in, _ := newTestInbox()
	ctx := context.Background()

	_, err := in.Process(ctx, "k", "h", nil, func(context.Context) (json.RawMessage, error) {
		return nil, errInvalid
	})
	require.ErrorIs(t, err, errInvalid)

	_, err = in.Process(ctx, "k", "h", nil, func(context.Context) (json.RawMessage, error) {
		t.Fatal("must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestProcessInProgressAndStaleRecovery(t *testing.T) {
	in, now := newTestInbox()
	ctx := context.Background()

	in.entries["k"] = &Entry{Key: "k", Status: StatusStarted, UpdatedAt: *now, ExpiresAt: now.Add(time.Hour)}
	_, err := in.Process(ctx, "k", "h", nil, func(context.Context) (json.RawMessage, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrInProgress)

	*now = now.Add(DefaultConfig().RecoveryTimeout + time.Second)
	out, err := in.Process(ctx, "k", "h", nil, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	assert.True(t, out.WasRecovered)
}

func TestExpiredKeysRunAgainAndSweep(t *testing.T) {
	in, now := newTestInbox()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (json.RawMessage, error) { calls++; return json.RawMessage(`1`), nil }

	_, err := in.Process(ctx, "k", "h", nil, fn)
	require.NoError(t, err)

	*now = now.Add(25 * time.Hour)
	assert.Equal(t, 1, in.Sweep())

	out, err := in.Process(ctx, "k", "h", nil, fn)
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, 2, calls)
}

func TestKeyIsScoped(t *testing.T) {
	a := Key("abc", "med-1", "record")
	assert.Equal(t, a, Key(" abc ", "med-1", "record"))
	assert.NotEqual(t, a, Key("abc", "med-2", "record"))
	assert.Len(t, a, 64)
}

func TestMemoryInboxBackgroundCleanup(t *testing.T) {
	in, now := newTestInbox()
	in.config.CleanupInterval = 5 * time.Millisecond
	_, err := in.Process(context.Background(), "k", "h", nil, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	*now = now.Add(25 * time.Hour)

	in.StartCleanup()
	defer in.Stop()
	assert.Eventually(t, func() bool {
		in.mu.Lock()
		defer in.mu.Unlock()
		return len(in.entries) == 0
	}, time.Second, 5*time.Millisecond)
}
