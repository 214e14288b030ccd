// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx satisfies pgx.Tx for tests whose repositories are in-memory fakes.
// Only Commit and Rollback are meaningful; they are counted.
type Tx struct {
	mu         sync.Mutex
	Commits    int
	Rollbacks  int
	committed  bool
	done       bool
	OnCommit   func()
	OnRollback func()
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return &Tx{}, nil }

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	t.Commits++
	t.committed = true
	t.done = true
	fn := t.OnCommit
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Rollback after Commit or a previous Rollback is a no-op, as with pgx.
func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.Rollbacks++
	fn := t.OnRollback
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// Committed reports whether Commit was called.
func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// Beginner hands out fresh Tx values and remembers them.
type Beginner struct {
	mu  sync.Mutex
	Txs []*Tx
}

func (b *Beginner) Begin(context.Context) (pgx.Tx, error) {
	tx := &Tx{}
	b.mu.Lock()
	b.Txs = append(b.Txs, tx)
	b.mu.Unlock()
	return tx, nil
}

// Last returns the most recently begun transaction, or nil.
func (b *Beginner) Last() *Tx {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Txs) == 0 {
		return nil
	}
	return b.Txs[len(b.Txs)-1]
}

// Gate serializes transactions over an in-memory fake. Begin calls save to
// snapshot the fake's state; the returned restore func runs on rollback.
type Gate struct {
	mu sync.Mutex
}

func (g *Gate) Begin(save func() (restore func())) *Tx {
	g.mu.Lock()
	restore := save()
	tx := &Tx{}
	tx.OnCommit = g.mu.Unlock
	tx.OnRollback = func() {
		restore()
		g.mu.Unlock()
	}
	return tx
}
