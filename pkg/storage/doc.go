// Package storage provides the PostgreSQL connection management and the
// unit-of-work abstraction shared by all stores.
//
// A UnitOfWork wraps one database transaction plus a queue of after-commit
// operations (cache invalidation, index refresh, notification dispatch).
// Stores execute inside the transaction through the Querier interface;
// after-commit operations run only once the transaction has committed, so a
// rollback never produces side effects.
package storage
