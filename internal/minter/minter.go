// Package minter produces opaque identifier suffixes. Each shoulder owns a
// persistent counter state; minting is deterministic and monotonic, and state
// is written back before a suffix is released so a crash can only waste
// suffixes, never repeat them.
package minter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Store persists minter state keyed by scheme-less shoulder prefix.
type Store interface {
	Load(ctx context.Context, prefix string) (*State, error)
	Save(ctx context.Context, st *State) error
	Create(ctx context.Context, st *State) error
}

// Minter serializes minting per prefix and enforces write-ahead persistence.
// Mints on different shoulders proceed in parallel.
type Minter struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store Store, logger *slog.Logger) *Minter {
	return &Minter{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Minter) prefixLock(prefix string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[prefix]
	if !ok {
		l = &sync.Mutex{}
		m.locks[prefix] = l
	}
	return l
}

// Mint returns the next suffix for the prefix. The state is persisted before
// the suffix is returned; a failure to persist discards the suffix.
func (m *Minter) Mint(ctx context.Context, prefix string) (string, error) {
	l := m.prefixLock(prefix)
	l.Lock()
	defer l.Unlock()

	st, err := m.store.Load(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("load minter state %q: %w", prefix, err)
	}
	suffix, err := st.Mint()
	if err != nil {
		return "", err
	}
	if err := m.store.Save(ctx, st); err != nil {
		return "", fmt.Errorf("persist minter state %q: %w", prefix, err)
	}
	m.logger.Debug("minted suffix", "prefix", prefix, "suffix", suffix)
	return suffix, nil
}

// Provision creates minter state for a newly registered shoulder.
func (m *Minter) Provision(ctx context.Context, prefix, mask string) error {
	st, err := NewState(prefix, mask)
	if err != nil {
		return err
	}
	if err := m.store.Create(ctx, st); err != nil {
		return fmt.Errorf("create minter state %q: %w", prefix, err)
	}
	return nil
}
