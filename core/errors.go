package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnregisteredStore is returned when a store name is not in the registry.
	ErrUnregisteredStore = errors.New("store not registered")

	// ErrDuplicateStore is returned when registering a name twice.
	ErrDuplicateStore = errors.New("store already registered")

	// ErrUnsupported is returned when no registered store has the
	// capability an operation needs.
	ErrUnsupported = errors.New("no registered store supports this operation")

	// ErrNotFound is returned by operations that require an existing record.
	ErrNotFound = errors.New("record not found")

	// ErrTransactionNotFound is returned when committing or rolling back an
	// id that is not active.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrNoTransaction is returned by a store asked to end a transaction
	// that it never began.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrTransactionOrder is returned when nested transactions are ended
	// out of order.
	ErrTransactionOrder = errors.New("transaction ended out of order")
)

// TxOp names the transaction phase in which an error occurred.
type TxOp string

const (
	OpPrepare  TxOp = "prepare"
	OpCommit   TxOp = "commit"
	OpRollback TxOp = "rollback"
)

// TransactionError reports a failure while preparing, committing or rolling
// back one store's part of a multi-store transaction.
type TransactionError struct {
	Op    TxOp
	Store string
	TxID  string
	Err   error
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("%s transaction %s", e.Op, e.TxID)
	if e.Store != "" {
		msg += fmt.Sprintf(" on store %s", e.Store)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// NewTransactionError wraps err with the phase, store and transaction id.
func NewTransactionError(op TxOp, store, txID string, err error) *TransactionError {
	return &TransactionError{Op: op, Store: store, TxID: txID, Err: err}
}

// IsPrepare reports whether err is a prepare-phase TransactionError.
func IsPrepare(err error) bool {
	return isOp(err, OpPrepare)
}

// IsCommit reports whether err is a commit-phase TransactionError.
func IsCommit(err error) bool {
	return isOp(err, OpCommit)
}

func isOp(err error, op TxOp) bool {
	var te *TransactionError
	return errors.As(err, &te) && te.Op == op
}
