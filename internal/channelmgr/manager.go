// Package channelmgr multiplexes the channel adapters (bot, webchat,
// webhook) behind one registry: it starts and stops each adapter,
// restarts adapters whose Start loop returns early, and exposes lookup
// by name for the HTTP surface's webhook/websocket routes.
package channelmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lattice-run/convoy/internal/channels"
)

const (
	restartBaseBackoff = 1 * time.Second
	restartMaxBackoff  = 30 * time.Second
)

// Manager owns the set of registered channel adapters for the lifetime
// of one gateway runtime generation; the orchestrator builds a fresh
// Manager on every hot reload that changes channel configuration.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]channels.Channel
	logger   *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an empty Manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{channels: make(map[string]channels.Channel), logger: logger}
}

// Register adds a channel adapter under its own Name(). Call before
// StartAll.
func (m *Manager) Register(ch channels.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a registered adapter by name, used by webhook/websocket
// HTTP routes to find the right channel for an inbound request.
func (m *Manager) Get(name string) (channels.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered adapter in its own goroutine, with
// exponential-backoff restart if an adapter's Start loop returns before
// ctx is canceled (mirrors the channel manager's supervised-worker
// lifecycle).
func (m *Manager) StartAll(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		m.wg.Add(1)
		go m.supervise(runCtx, name, ch)
	}
}

func (m *Manager) supervise(ctx context.Context, name string, ch channels.Channel) {
	defer m.wg.Done()
	backoff := restartBaseBackoff
	for {
		err := ch.Start(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Error("channelmgr: adapter stopped with error, restarting", "channel", name, "error", err, "backoff", backoff)
		} else {
			m.logger.Warn("channelmgr: adapter returned without error, restarting", "channel", name, "backoff", backoff)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > restartMaxBackoff {
			backoff = restartMaxBackoff
		}
	}
}

// StopAll cancels every adapter's context and waits for their Start
// calls to return.
func (m *Manager) StopAll() {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		m.logger.Warn("channelmgr: timed out waiting for adapters to stop")
	}
}

// Status reports which adapters are registered, for the health/metrics
// surface.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]string, len(m.channels))
	for name := range m.channels {
		status[name] = "registered"
	}
	return status
}

// ErrUnknownChannel is returned by Dispatch-style lookups for an
// unregistered platform name.
func ErrUnknownChannel(name string) error {
	return fmt.Errorf("channelmgr: unknown channel %q", name)
}
