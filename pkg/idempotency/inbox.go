// Package idempotency replays the stored result of a request whose Idempotency-Key was
// already processed.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Status is the processing status of an entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrInProgress means another request with the same key is running
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	// ErrPreviouslyFailed means the key was used by a request that failed permanently
	ErrPreviouslyFailed = errors.New("request with this idempotency key previously failed")
)

// Entry is one stored key
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Config tunes key retention
type Config struct {
	// TTL is how long a key is remembered
	TTL time.Duration
	// RecoveryTimeout is when a STARTED entry is assumed abandoned
	RecoveryTimeout time.Duration
	CleanupInterval time.Duration
	// Terminal reports whether a handler error must not be retried under the same key
	Terminal func(error) bool
}

// DefaultConfig returns inbox defaults
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		RecoveryTimeout: 2 * time.Minute,
		CleanupInterval: time.Hour,
	}
}

// Outcome is the result of Process
type Outcome struct {
	// Replayed is true when Result came from an earlier run
	Replayed     bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc does the work guarded by the key
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Processor is implemented by Inbox and MemoryInbox
type Processor interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*Outcome, error)
}

// Key derives the stored key from a client supplied key and the request scope, so the same
// client key on two different resources does not collide.
func Key(clientKey string, scope ...string) string {
	parts := append([]string{strings.TrimSpace(clientKey)}, scope...)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type decision int

const (
	decideRun decision = iota
	decideRecover
	decideReplay
	decideBusy
	decideFailed
)

// decide maps an existing entry to what Process should do
func decide(e *Entry, now time.Time, recoveryTimeout time.Duration) decision {
	if e == nil || (!e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)) {
		return decideRun
	}
	switch e.Status {
	case StatusFinished:
		return decideReplay
	case StatusFailed:
		return decideFailed
	case StatusStarted:
		if now.Sub(e.UpdatedAt) > recoveryTimeout {
			return decideRecover
		}
		return decideBusy
	default:
		return decideRecover
	}
}

func (c Config) statusFor(err error) Status {
	if c.Terminal != nil && c.Terminal(err) {
		return StatusFailed
	}
	return StatusRecoverable
}

func errorResult(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
