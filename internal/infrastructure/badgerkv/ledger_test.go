package badgerkv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open("", time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestTryMarkSentOnce(t *testing.T) {
	l := openTestLedger(t)

	first, err := l.TryMarkSent(KindReminder, "med", "dose", "2024-03-10")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := l.TryMarkSent(KindReminder, "med", "dose", "2024-03-10")
	require.NoError(t, err)
	assert.False(t, again)

	overdue, err := l.TryMarkSent(KindOverdue, "med", "dose", "2024-03-10")
	require.NoError(t, err)
	assert.True(t, overdue, "kinds are tracked separately")

	nextDay, err := l.TryMarkSent(KindReminder, "med", "dose", "2024-03-11")
	require.NoError(t, err)
	assert.True(t, nextDay)

	sent, resolved, err := l.Counts()
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Equal(t, 0, resolved)
}

func TestUnmarkSent(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.TryMarkSent(KindReminder, "med", "dose", "2024-03-10")
	require.NoError(t, err)
	require.NoError(t, l.UnmarkSent(KindReminder, "med", "dose", "2024-03-10"))

	first, err := l.TryMarkSent(KindReminder, "med", "dose", "2024-03-10")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestResolved(t *testing.T) {
	l := openTestLedger(t)

	ok, err := l.IsResolved("med", "dose", "2024-03-10")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.MarkResolved("med", "dose", "2024-03-10", "taken"))
	ok, err = l.IsResolved("med", "dose", "2024-03-10")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.ClearResolved("med", "dose", "2024-03-10"))
	ok, err = l.IsResolved("med", "dose", "2024-03-10")
	require.NoError(t, err)
	assert.False(t, ok)
}
