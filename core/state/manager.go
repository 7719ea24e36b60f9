package state

import (
	"context"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"htlcbridge/core/events"
	"htlcbridge/storage"
)

// ErrUnitAborted is returned when a nested unit failed after writing and the
// enclosing unit tried to commit anyway.
var ErrUnitAborted = errors.New("state: unit aborted by nested failure")

type unitKey struct{}

type unit struct {
	tx      *storage.Tx
	writes  int
	aborted bool
}

// Manager persists HTLC records, the fee schedule and vault balances in
// LevelDB. Every mutation runs inside an atomic unit backed by a LevelDB
// transaction.
type Manager struct {
	db      *storage.LevelDB
	escrow  [20]byte
	emitter events.Emitter
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db *storage.LevelDB) *Manager {
	var escrow [20]byte
	copy(escrow[:], ethcrypto.Keccak256(vaultEscrowSeed)[12:])
	return &Manager{db: db, escrow: escrow, emitter: events.NoopEmitter{}}
}

// SetEmitter configures where vault events raised outside an engine unit are
// published. Passing nil resets the emitter to a no-op implementation.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// EscrowAccount returns the vault account holding custodied value.
func (m *Manager) EscrowAccount() [20]byte { return m.escrow }

func unitFrom(ctx context.Context) *unit {
	if ctx == nil {
		return nil
	}
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// Atomic runs fn inside a LevelDB transaction. When ctx already carries a unit
// the call joins it; a joined call that fails after writing poisons the outer
// unit so it can never commit a partial result.
func (m *Manager) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if u := unitFrom(ctx); u != nil {
		before := u.writes
		err := fn(ctx)
		if err != nil && u.writes != before {
			u.aborted = true
		}
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, buf, owned := events.WithBuffer(ctx)
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	u := &unit{tx: tx}
	err = fn(context.WithValue(ctx, unitKey{}, u))
	if err == nil && u.aborted {
		err = ErrUnitAborted
	}
	if err != nil {
		tx.Discard()
		if owned {
			buf.Reset()
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Discard()
		if owned {
			buf.Reset()
		}
		return fmt.Errorf("state: commit: %w", err)
	}
	if owned {
		buf.Flush(m.emitter)
	}
	return nil
}

func (m *Manager) reader(ctx context.Context) storage.Reader {
	if u := unitFrom(ctx); u != nil {
		return u.tx
	}
	return m.db
}

func (m *Manager) get(ctx context.Context, key []byte) ([]byte, bool, error) {
	value, err := m.reader(ctx).Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) put(ctx context.Context, key, value []byte) error {
	u := unitFrom(ctx)
	if u == nil {
		return m.Atomic(ctx, func(ctx context.Context) error { return m.put(ctx, key, value) })
	}
	u.writes++
	return u.tx.Put(key, value)
}

func (m *Manager) keys(ctx context.Context, prefix []byte) ([][]byte, error) {
	return m.reader(ctx).Keys(prefix)
}

func hashedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}
