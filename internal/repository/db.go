package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries is the sqlite-backed store for environments, OAuth2 secrets,
// history and uploads.
type Queries struct {
	db    DBTX
	conn  *sql.DB
	locks *keyedLocks
}

func New(db *sql.DB) *Queries {
	return &Queries{db: db, conn: db, locks: &keyedLocks{m: make(map[int64]*sync.Mutex)}}
}

// WithTx returns Queries bound to tx. Methods that open their own
// transaction are not available on the result.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx, locks: q.locks}
}

func (q *Queries) inTx(ctx context.Context, fn func(*Queries) error) error {
	if q.conn == nil {
		return fmt.Errorf("nested transaction not supported")
	}
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(q.WithTx(tx)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// keyedLocks serializes writers per environment ID.
type keyedLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func (k *keyedLocks) get(id int64) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	mu, ok := k.m[id]
	if !ok {
		mu = &sync.Mutex{}
		k.m[id] = mu
	}
	return mu
}
