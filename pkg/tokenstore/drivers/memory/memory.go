// Package memory is a process-local token store driver, for tests and for
// running without persistence.
package memory

import (
	"context"
	"sync"

	"github.com/aussiebroadwan/sessionkit/pkg/tokenstore"
)

type Driver struct {
	mu   sync.Mutex
	snap tokenstore.Snapshot
	err  error
}

// New returns an empty driver.
func New() *Driver { return &Driver{} }

// NewWith returns a driver pre-loaded with snap.
func NewWith(snap tokenstore.Snapshot) *Driver { return &Driver{snap: clone(snap)} }

func (d *Driver) Load(context.Context) (tokenstore.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return tokenstore.Snapshot{}, d.err
	}
	return clone(d.snap), nil
}

func (d *Driver) Save(_ context.Context, s tokenstore.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.snap = clone(s)
	return nil
}

func (d *Driver) Clear(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.snap = tokenstore.Snapshot{}
	return nil
}

func (d *Driver) Close() error { return nil }

// Fail makes every later operation return err; nil heals the driver.
func (d *Driver) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Persisted returns what a restart would load.
func (d *Driver) Persisted() tokenstore.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return clone(d.snap)
}

func clone(s tokenstore.Snapshot) tokenstore.Snapshot {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

var _ tokenstore.Driver = (*Driver)(nil)
