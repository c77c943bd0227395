package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryInbox is an in-process Processor for single-instance deployments and tests
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[string]*Entry
	config  Config
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewMemoryInbox creates an empty inbox
func NewMemoryInbox(cfg Config) *MemoryInbox {
	return &MemoryInbox{entries: make(map[string]*Entry), config: cfg, now: time.Now}
}

// Process runs fn once per key
func (m *MemoryInbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*Outcome, error) {
	now := m.now()

	m.mu.Lock()
	entry := m.entries[key]
	d := decide(entry, now, m.config.RecoveryTimeout)
	switch d {
	case decideReplay:
		result := entry.Result
		m.mu.Unlock()
		return &Outcome{Replayed: true, Result: result}, nil
	case decideFailed:
		m.mu.Unlock()
		return nil, ErrPreviouslyFailed
	case decideBusy:
		m.mu.Unlock()
		return nil, ErrInProgress
	}
	m.entries[key] = &Entry{
		Key:       key,
		Handler:   handler,
		Status:    StatusStarted,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.config.TTL),
	}
	m.mu.Unlock()

	result, err := fn(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.UpdatedAt = m.now()
	if err != nil {
		e.Status = m.config.statusFor(err)
		e.Result = errorResult(err)
		return nil, err
	}
	e.Status = StatusFinished
	e.Result = result
	return &Outcome{WasRecovered: d == decideRecover, Result: result}, nil
}

// Sweep drops expired keys and returns how many were removed
func (m *MemoryInbox) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if now.After(e.ExpiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// StartCleanup sweeps expired keys every CleanupInterval until Stop is called
func (m *MemoryInbox) StartCleanup() {
	interval := m.config.CleanupInterval
	if interval <= 0 {
		interval = DefaultConfig().CleanupInterval
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop stops the cleanup goroutine started by StartCleanup
func (m *MemoryInbox) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
}
