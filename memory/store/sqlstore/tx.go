package sqlstore

import (
	"context"
	"fmt"

	"github.com/becomeliminal/memsync/core"
)

// BeginTransaction opens a transaction, or a savepoint when one is already open.
func (s *Store) BeginTransaction(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		s.tx = tx
	} else if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+savepoint(len(s.frames))); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	s.frames = append(s.frames, txID)
	s.logger.Debug("transaction started", "tx_id", txID, "depth", len(s.frames))
	return nil
}

// CommitTransaction commits the innermost transaction.
func (s *Store) CommitTransaction(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth, err := s.top(txID)
	if err != nil {
		return err
	}
	if depth == 0 {
		err = s.tx.Commit()
		s.tx = nil
	} else {
		_, err = s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint(depth))
	}
	s.frames = s.frames[:depth]
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("transaction committed", "tx_id", txID)
	return nil
}

// RollbackTransaction rolls back the innermost transaction.
func (s *Store) RollbackTransaction(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth, err := s.top(txID)
	if err != nil {
		return err
	}
	if depth == 0 {
		err = s.tx.Rollback()
		s.tx = nil
	} else {
		sp := savepoint(depth)
		if _, err = s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); err == nil {
			_, err = s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp)
		}
	}
	s.frames = s.frames[:depth]
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	s.logger.Debug("transaction rolled back", "tx_id", txID)
	return nil
}

// InTransaction reports whether a transaction is open.
func (s *Store) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// top returns the depth index of txID, which must be the innermost frame.
func (s *Store) top(txID string) (int, error) {
	n := len(s.frames)
	if n == 0 {
		return 0, fmt.Errorf("transaction %s: %w", txID, core.ErrNoTransaction)
	}
	if s.frames[n-1] != txID {
		for _, id := range s.frames {
			if id == txID {
				return 0, fmt.Errorf("transaction %s: %w", txID, core.ErrTransactionOrder)
			}
		}
		return 0, fmt.Errorf("transaction %s: %w", txID, core.ErrNoTransaction)
	}
	return n - 1, nil
}

func savepoint(depth int) string {
	return fmt.Sprintf("sp_%d", depth)
}
