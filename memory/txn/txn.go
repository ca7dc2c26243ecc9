// Package txn gives every store a uniform begin/commit/rollback scope.
//
// Stores implementing core.Transactional get a Native context that forwards
// to the store. Every other store gets a Snapshot context that captures the
// store's records and vectors on Begin and restores them on Rollback.
package txn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/becomeliminal/memsync/core"
)

// Context is one store's participation in a transaction.
type Context interface {
	// Store is the registry name of the participating store.
	Store() string

	// TxID is the id of the enclosing transaction.
	TxID() string

	// Native reports whether the store handles the transaction itself.
	Native() bool

	// Begin enters the transaction.
	Begin(ctx context.Context) error

	// Commit makes the store's changes final. Snapshot contexts have
	// nothing to do here.
	Commit(ctx context.Context) error

	// Rollback undoes every change made since Begin. cause is the error
	// that triggered the rollback and is only used for logging.
	Rollback(ctx context.Context, cause error) error
}

// New selects the context variant for s by capability.
func New(name string, s core.Store, txID string, logger *slog.Logger) Context {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("store", name, "tx_id", txID)
	if ts, ok := s.(core.Transactional); ok {
		return &nativeContext{name: name, store: ts, txID: txID, logger: logger}
	}
	return &snapshotContext{name: name, store: s, txID: txID, logger: logger}
}

type state int

const (
	stateIdle state = iota
	stateActive
	stateDone
)

type nativeContext struct {
	name   string
	store  core.Transactional
	txID   string
	logger *slog.Logger
	state  state
}

func (c *nativeContext) Store() string { return c.name }
func (c *nativeContext) TxID() string  { return c.txID }
func (c *nativeContext) Native() bool  { return true }

func (c *nativeContext) Begin(ctx context.Context) error {
	if err := c.store.BeginTransaction(ctx, c.txID); err != nil {
		return fmt.Errorf("begin native transaction: %w", err)
	}
	c.state = stateActive
	c.logger.Debug("native transaction started")
	return nil
}

func (c *nativeContext) Commit(ctx context.Context) error {
	if c.state != stateActive {
		return nil
	}
	if err := c.store.CommitTransaction(ctx, c.txID); err != nil {
		return fmt.Errorf("commit native transaction: %w", err)
	}
	c.state = stateDone
	c.logger.Debug("native transaction committed")
	return nil
}

func (c *nativeContext) Rollback(ctx context.Context, cause error) error {
	if c.state != stateActive {
		return nil
	}
	c.state = stateDone
	if err := c.store.RollbackTransaction(ctx, c.txID); err != nil {
		return fmt.Errorf("rollback native transaction: %w", err)
	}
	c.logger.Debug("native transaction rolled back", "cause", cause)
	return nil
}

// Run executes fn inside c. Rollback is guaranteed on an error return and on
// panic, in which case the panic is re-raised after rollback. The error from
// fn is returned unchanged; rollback failures are only logged.
func Run(ctx context.Context, c Context, logger *slog.Logger, fn func(context.Context) error) (err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := c.Begin(ctx); err != nil {
		return core.NewTransactionError(core.OpPrepare, c.Store(), c.TxID(), err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := c.Rollback(ctx, fmt.Errorf("panic: %v", p)); rbErr != nil {
				logger.Error("rollback after panic failed", "store", c.Store(), "error", rbErr)
			}
			panic(p)
		}
	}()
	if err := fn(ctx); err != nil {
		if rbErr := c.Rollback(ctx, err); rbErr != nil {
			logger.Error("rollback failed", "store", c.Store(), "error", rbErr)
		}
		return err
	}
	if err := c.Commit(ctx); err != nil {
		if rbErr := c.Rollback(ctx, err); rbErr != nil {
			logger.Error("rollback after failed commit failed", "store", c.Store(), "error", rbErr)
		}
		return core.NewTransactionError(core.OpCommit, c.Store(), c.TxID(), err)
	}
	return nil
}
