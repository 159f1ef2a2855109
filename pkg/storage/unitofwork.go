package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/depotlab/commons/pkg/async"
	"github.com/depotlab/commons/pkg/observability"
)

// Operation is a side effect attached to a unit of work.
type Operation func(ctx context.Context) error

type deferredOp struct {
	name string
	op   Operation
	sync bool
}

// UnitOfWork collects one transaction's mutations together with the side
// effects that must only happen if the transaction commits.
//
// Synchronous operations (index refresh for read-your-writes flows) run
// inline after commit; asynchronous ones (cache invalidation, notifications)
// are flushed in the background. Failures in either queue are logged, never
// propagated: the authoritative write has already committed and must not be
// silently retried.
type UnitOfWork struct {
	tx       *sql.Tx
	logger   *observability.Logger
	deferred []deferredOp
	done     bool
}

// Begin opens a unit of work on a serializable-enough transaction. The
// member-set invariants rely on row locks (SELECT ... FOR UPDATE) taken by
// the stores, so the default isolation level is sufficient.
func Begin(ctx context.Context, db *sql.DB, logger *observability.Logger) (*UnitOfWork, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx, logger: logger}, nil
}

// Tx exposes the transaction for store calls.
func (u *UnitOfWork) Tx() *sql.Tx {
	return u.tx
}

// Defer queues an operation to run asynchronously after a successful commit.
func (u *UnitOfWork) Defer(name string, op Operation) {
	u.deferred = append(u.deferred, deferredOp{name: name, op: op})
}

// DeferSync queues an operation to run inline after a successful commit,
// before Commit returns. Used for index refreshes the caller will read
// immediately.
func (u *UnitOfWork) DeferSync(name string, op Operation) {
	u.deferred = append(u.deferred, deferredOp{name: name, op: op, sync: true})
}

// Commit commits the transaction and flushes the deferred queue. If the
// commit fails, no deferred operation runs.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return fmt.Errorf("unit of work already finished")
	}
	u.done = true

	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, d := range u.deferred {
		if d.sync {
			if err := d.op(ctx); err != nil {
				u.logger.WithError(err).Errorf("post-commit operation %s failed", d.name)
			}
			continue
		}
		d := d
		async.SafeGo(context.WithoutCancel(ctx), 30*time.Second, d.name, d.op)
	}
	return nil
}

// Rollback aborts the transaction and discards all deferred operations.
// Rolling back an already-finished unit is a no-op.
func (u *UnitOfWork) Rollback() {
	if u.done {
		return
	}
	u.done = true
	if err := u.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		u.logger.WithError(err).Error("transaction rollback failed")
	}
}
