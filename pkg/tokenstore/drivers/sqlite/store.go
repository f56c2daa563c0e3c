// Package sqlite persists the token store slots in a local SQLite file,
// sealed at rest when a Sealer is configured.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/cryptox"
	"github.com/aussiebroadwan/sessionkit/pkg/tokenstore"
)

type Driver struct {
	db     *sql.DB
	sealer *cryptox.Sealer
	keys   tokenstore.Keys
	now    func() time.Time
}

type Option func(*Driver)

// WithSealer encrypts every slot value with s.
func WithSealer(s *cryptox.Sealer) Option {
	return func(d *Driver) { d.sealer = s }
}

// WithKeys overrides tokenstore.DefaultKeys.
func WithKeys(k tokenstore.Keys) Option {
	return func(d *Driver) { d.keys = k }
}

// New opens the database at dsn. Call ApplyMigrations before first use.
func New(dsn string, opts ...Option) (*Driver, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tokenstore.ErrUnavailable, err)
	}

	// One writer; avoids SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", tokenstore.ErrUnavailable, err)
	}

	d := &Driver{db: db, keys: tokenstore.DefaultKeys, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Driver) Close() error { return d.db.Close() }

// Ping verifies the database connection is still alive.
func (d *Driver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Driver) Load(ctx context.Context) (tokenstore.Snapshot, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT slot, value FROM session_slots WHERE slot IN (?, ?, ?)`,
		d.keys.AccessToken, d.keys.RefreshCredential, d.keys.User,
	)
	if err != nil {
		return tokenstore.Snapshot{}, fmt.Errorf("%w: %v", tokenstore.ErrUnavailable, err)
	}
	defer rows.Close()

	var snap tokenstore.Snapshot
	for rows.Next() {
		var (
			slot string
			raw  []byte
		)
		if err := rows.Scan(&slot, &raw); err != nil {
			return tokenstore.Snapshot{}, fmt.Errorf("failed to scan slot: %w", err)
		}

		value, err := d.open(raw, slot)
		if err != nil {
			return tokenstore.Snapshot{}, fmt.Errorf("failed to open slot %s: %w", slot, err)
		}

		switch slot {
		case d.keys.AccessToken:
			snap.AccessToken = string(value)
		case d.keys.RefreshCredential:
			snap.RefreshCredential = string(value)
		case d.keys.User:
			var u authsdk.User
			if err := json.Unmarshal(value, &u); err != nil {
				return tokenstore.Snapshot{}, fmt.Errorf("failed to decode cached user: %w", err)
			}
			snap.User = &u
		}
	}
	if err := rows.Err(); err != nil {
		return tokenstore.Snapshot{}, fmt.Errorf("%w: %v", tokenstore.ErrUnavailable, err)
	}
	return snap, nil
}

func (d *Driver) Save(ctx context.Context, s tokenstore.Snapshot) error {
	var user []byte
	if s.User != nil {
		b, err := json.Marshal(s.User)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
		user = b
	}

	slots := []struct {
		key   string
		value []byte
	}{
		{d.keys.AccessToken, []byte(s.AccessToken)},
		{d.keys.RefreshCredential, []byte(s.RefreshCredential)},
		{d.keys.User, user},
	}

	return d.withTx(ctx, func(tx *sql.Tx) error {
		now := d.now().Unix()
		for _, sl := range slots {
			if len(sl.value) == 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM session_slots WHERE slot = ?`, sl.key); err != nil {
					return err
				}
				continue
			}

			sealed, err := d.seal(sl.value, sl.key)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO session_slots (slot, value, updated_at) VALUES (?, ?, ?)
				 ON CONFLICT(slot) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				sl.key, sealed, now,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Driver) Clear(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM session_slots WHERE slot IN (?, ?, ?)`,
		d.keys.AccessToken, d.keys.RefreshCredential, d.keys.User,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", tokenstore.ErrUnavailable, err)
	}
	return nil
}

// withTx executes fn within a transaction, automatically handling commit/rollback.
func (d *Driver) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", tokenstore.ErrUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Driver) seal(value []byte, slot string) ([]byte, error) {
	if d.sealer == nil {
		return value, nil
	}
	return d.sealer.Seal(value, slot)
}

func (d *Driver) open(raw []byte, slot string) ([]byte, error) {
	if d.sealer == nil {
		return raw, nil
	}
	return d.sealer.Open(raw, slot)
}

var _ tokenstore.Driver = (*Driver)(nil)
