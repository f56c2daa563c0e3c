// Package tokenstore holds the durable session slots: the access token,
// the refresh credential and the cached user profile.
package tokenstore

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
)

// ErrUnavailable is returned by drivers whose backing storage cannot be
// reached.
var ErrUnavailable = errors.New("tokenstore: storage unavailable")

// Snapshot is the content of the three slots. The zero Snapshot is the
// anonymous session.
type Snapshot struct {
	AccessToken       string
	RefreshCredential string
	User              *authsdk.User
}

// IsZero reports whether the snapshot holds no session at all.
func (s Snapshot) IsZero() bool {
	return s.AccessToken == "" && s.RefreshCredential == "" && s.User == nil
}

// Keys names the three durable slots.
type Keys struct {
	AccessToken       string
	RefreshCredential string
	User              string
}

// DefaultKeys are the slot names the catechesis clients have always used.
var DefaultKeys = Keys{
	AccessToken:       "catequesis_token",
	RefreshCredential: "catequesis_refresh_token",
	User:              "catequesis_user",
}

// Driver persists snapshots. Implementations return errors freely, the
// Store turns them into a fail-safe empty session.
type Driver interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
	Clear(ctx context.Context) error
	Close() error
}

// Reader is the read side every component except the session controller
// gets.
type Reader interface {
	Get(ctx context.Context) Snapshot
}

// Store serves reads from memory and writes through to a Driver. It is
// meant to have exactly one writer.
type Store struct {
	driver  Driver
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
}

// Open loads the persisted snapshot. A driver failure is logged and the
// store starts empty.
func Open(ctx context.Context, driver Driver, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{driver: driver, logger: logger}

	snap, err := driver.Load(ctx)
	if err != nil {
		logger.Warn("token store unreadable, starting anonymous", "err", err)
		snap = Snapshot{}
	}
	s.current.Store(&snap)
	return s
}

// Get returns the current snapshot. It never fails.
func (s *Store) Get(context.Context) Snapshot {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return Snapshot{}
}

// Set replaces the snapshot. The in-memory copy is updated even when the
// driver fails, so the running process keeps its session; the error is
// returned for logging.
func (s *Store) Set(ctx context.Context, snap Snapshot) error {
	s.current.Store(&snap)
	if err := s.driver.Save(ctx, snap); err != nil {
		return err
	}
	return nil
}

// Clear empties all slots, in memory first.
func (s *Store) Clear(ctx context.Context) error {
	s.current.Store(&Snapshot{})
	if err := s.driver.Clear(ctx); err != nil {
		return err
	}
	return nil
}

// Close releases the driver.
func (s *Store) Close() error {
	return s.driver.Close()
}
