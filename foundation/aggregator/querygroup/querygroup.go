// Package querygroup serializes multi-step table mutations. A group holds a
// single permit handed out in arrival order, and every group runs inside one
// storage transaction so a failing step leaves no partial changes behind.
package querygroup

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Tx represents a storage transaction opened for a group.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transactor represents the behavior required to be implemented by any
// storage that can back a group. Begin returns a context carrying the
// transaction; storage operations using that context run inside it.
type Transactor interface {
	Begin(ctx context.Context) (context.Context, Tx, error)
}

// Group guarantees at most one query group is in flight at a time.
type Group struct {
	sem *semaphore.Weighted
	db  Transactor
}

// New constructs a group over the specified storage.
func New(db Transactor) *Group {
	return &Group{
		sem: semaphore.NewWeighted(1),
		db:  db,
	}
}

// Do runs fn as one indivisible unit relative to every other group. Callers
// waiting on the group are served in the order they arrived. The storage
// transaction is committed when fn returns nil and rolled back otherwise,
// including when fn panics.
func (g *Group) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring query group: %w", err)
	}
	defer g.sem.Release(1)

	txCtx, tx, err := g.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning query group: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && err != nil {
			err = fmt.Errorf("%w: rollback: %v", err, rbErr)
		}
	}()

	if err := fn(txCtx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing query group: %w", err)
	}
	committed = true

	return nil
}

// Run is Do for functions that produce a value.
func Run[T any](ctx context.Context, g *Group, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return out, nil
}
