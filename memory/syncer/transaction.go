package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/becomeliminal/memsync/core"
	"github.com/becomeliminal/memsync/memory/txn"
)

// Handles maps store names to their part in a transaction.
type Handles map[string]txn.Context

type activeTx struct {
	id       string
	contexts []txn.Context
}

// Transaction runs fn with every named store inside one transaction.
//
// Stores are entered in registration order; unknown names are skipped. If
// entering a store fails, the stores already entered are rolled back in
// reverse order and a prepare TransactionError is returned. If fn returns an
// error or panics, every store is rolled back and the error is returned
// unchanged (the panic is re-raised). Otherwise native stores commit in
// order. A failed commit rolls back every store that has not committed yet;
// stores that already committed cannot be undone.
//
// A successful commit flushes the pending queue and clears the query cache.
// Any rollback discards the pending queue and clears the cache.
func (m *Manager) Transaction(ctx context.Context, stores []string, fn func(context.Context, Handles) error) error {
	txID := uuid.New().String()
	names := m.participants(stores)
	if len(names) == 1 {
		if s, ok := m.registry.Adapter(names[0]); ok {
			return m.transactionOne(ctx, txn.New(names[0], s, txID, m.logger), fn)
		}
	}
	contexts, err := m.prepare(ctx, txID, names)
	if err != nil {
		m.afterRollback()
		m.metrics.transactions.WithLabelValues(outcomeFailed).Inc()
		return err
	}
	handles := make(Handles, len(contexts))
	for _, c := range contexts {
		handles[c.Store()] = c
	}

	finished := false
	defer func() {
		if finished {
			return
		}
		p := recover()
		cause := fmt.Errorf("panic: %v", p)
		if p == nil {
			cause = errors.New("transaction aborted")
		}
		m.rollbackAll(ctx, contexts, cause)
		m.afterRollback()
		m.metrics.transactions.WithLabelValues(outcomeRolledBack).Inc()
		if p != nil {
			panic(p)
		}
	}()

	err = fn(ctx, handles)
	finished = true
	if err != nil {
		m.rollbackAll(ctx, contexts, err)
		m.afterRollback()
		m.metrics.transactions.WithLabelValues(outcomeRolledBack).Inc()
		return err
	}
	if err := m.commitAll(ctx, txID, contexts); err != nil {
		m.afterRollback()
		m.metrics.transactions.WithLabelValues(outcomeFailed).Inc()
		return err
	}
	return m.afterCommit(ctx)
}

// transactionOne runs fn in a single store's scope.
func (m *Manager) transactionOne(ctx context.Context, c txn.Context, fn func(context.Context, Handles) error) error {
	defer func() {
		if p := recover(); p != nil {
			m.afterRollback()
			m.metrics.transactions.WithLabelValues(outcomeRolledBack).Inc()
			panic(p)
		}
	}()
	handles := Handles{c.Store(): c}
	err := txn.Run(ctx, c, m.logger, func(ctx context.Context) error {
		return fn(ctx, handles)
	})
	var txErr *core.TransactionError
	switch {
	case err == nil:
		return m.afterCommit(ctx)
	case errors.As(err, &txErr) && txErr.TxID == c.TxID():
		m.afterRollback()
		m.metrics.transactions.WithLabelValues(outcomeFailed).Inc()
	default:
		m.afterRollback()
		m.metrics.transactions.WithLabelValues(outcomeRolledBack).Inc()
	}
	return err
}

func (m *Manager) afterCommit(ctx context.Context) error {
	m.metrics.transactions.WithLabelValues(outcomeCommitted).Inc()
	if err := m.FlushQueue(ctx); err != nil {
		return fmt.Errorf("flush queue after commit: %w", err)
	}
	m.ClearCache()
	return nil
}

// participants returns the requested names that are registered, in
// registration order.
func (m *Manager) participants(stores []string) []string {
	want := make(map[string]bool, len(stores))
	for _, s := range stores {
		want[s] = true
	}
	var out []string
	for _, name := range m.registry.Names() {
		if want[name] {
			out = append(out, name)
			delete(want, name)
		}
	}
	for name := range want {
		m.logger.Warn("skipping unregistered store in transaction", "store", name)
	}
	return out
}

// prepare enters the named stores in order.
func (m *Manager) prepare(ctx context.Context, txID string, names []string) ([]txn.Context, error) {
	var entered []txn.Context
	for _, name := range names {
		s, ok := m.registry.Adapter(name)
		if !ok {
			continue
		}
		c := txn.New(name, s, txID, m.logger)
		if err := c.Begin(ctx); err != nil {
			for i := len(entered) - 1; i >= 0; i-- {
				if rbErr := entered[i].Rollback(ctx, err); rbErr != nil {
					m.logger.Error("rollback after failed prepare failed",
						"store", entered[i].Store(), "tx_id", txID, "error", rbErr)
				}
			}
			return nil, core.NewTransactionError(core.OpPrepare, name, txID, err)
		}
		entered = append(entered, c)
	}
	return entered, nil
}

// commitAll commits native contexts in order, then releases snapshots.
// Snapshots stay restorable until every native commit has succeeded.
func (m *Manager) commitAll(ctx context.Context, txID string, contexts []txn.Context) error {
	var committed []string
	for _, c := range contexts {
		if !c.Native() {
			continue
		}
		if err := c.Commit(ctx); err != nil {
			if len(committed) > 0 {
				m.logger.Warn("stores already committed cannot be rolled back",
					"tx_id", txID, "committed", committed, "failed", c.Store())
			}
			m.rollbackAll(ctx, contexts, err)
			return core.NewTransactionError(core.OpCommit, c.Store(), txID, err)
		}
		committed = append(committed, c.Store())
	}
	for _, c := range contexts {
		if c.Native() {
			continue
		}
		if err := c.Commit(ctx); err != nil {
			m.rollbackAll(ctx, contexts, err)
			return core.NewTransactionError(core.OpCommit, c.Store(), txID, err)
		}
	}
	return nil
}

// rollbackAll rolls back every context in registration order. Failures are
// logged and returned joined; contexts that already finished are skipped.
func (m *Manager) rollbackAll(ctx context.Context, contexts []txn.Context, cause error) error {
	var errs []error
	for _, c := range contexts {
		if err := c.Rollback(ctx, cause); err != nil {
			m.logger.Error("rollback failed", "store", c.Store(), "tx_id", c.TxID(), "error", err)
			errs = append(errs, core.NewTransactionError(core.OpRollback, c.Store(), c.TxID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) afterRollback() {
	m.DiscardQueue()
	m.ClearCache()
}

// BeginTransaction starts a transaction over every registered store and
// returns its id. An empty id is generated. Beginning an id that is already
// active logs a warning and returns the id unchanged.
func (m *Manager) BeginTransaction(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if _, ok := m.active[id]; ok {
		m.logger.Warn("transaction already active", "tx_id", id)
		return id, nil
	}
	contexts, err := m.prepare(ctx, id, m.registry.Names())
	if err != nil {
		m.metrics.transactions.WithLabelValues(outcomeFailed).Inc()
		return "", err
	}
	m.active[id] = &activeTx{id: id, contexts: contexts}
	m.logger.Debug("transaction started", "tx_id", id, "stores", len(contexts))
	return id, nil
}

// CommitTransaction commits an explicit transaction and then drains the
// pending queue.
func (m *Manager) CommitTransaction(ctx context.Context, id string) error {
	tx, err := m.take(id)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := m.commitAll(ctx, id, tx.contexts); err != nil {
		m.afterRollback()
		m.metrics.transactions.WithLabelValues(outcomeFailed).Inc()
		return err
	}
	return m.afterCommit(ctx)
}

// RollbackTransaction rolls back an explicit transaction and discards the
// pending queue.
func (m *Manager) RollbackTransaction(ctx context.Context, id string) error {
	tx, err := m.take(id)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	err = m.rollbackAll(ctx, tx.contexts, errors.New("rollback requested"))
	m.afterRollback()
	m.metrics.transactions.WithLabelValues(outcomeRolledBack).Inc()
	return err
}

// IsTransactionActive reports whether id was begun and not yet finished.
func (m *Manager) IsTransactionActive(id string) bool {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	_, ok := m.active[id]
	return ok
}

// ActiveTransactions returns the ids of open explicit transactions, sorted.
func (m *Manager) ActiveTransactions() []string {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) take(id string) (*activeTx, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	tx, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, core.ErrTransactionNotFound)
	}
	delete(m.active, id)
	return tx, nil
}
