package ports

import "context"

// Transaction is the host runtime's handle on one in-flight write
// transaction. Hooks registered with BeforeCommit run inside the transaction,
// in registration order, after the application's work and before commit; an
// error from a hook rolls the transaction back. AfterCompletion hooks run once
// the transaction has committed or rolled back.
type Transaction interface {
	ID() string
	Active() bool
	BeforeCommit(fn func(ctx context.Context) error)
	AfterCompletion(fn func(committed bool))
}
