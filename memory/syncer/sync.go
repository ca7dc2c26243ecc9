package syncer

import (
	"context"
	"fmt"

	"github.com/becomeliminal/memsync/core"
)

type outcome int

const (
	unchanged outcome = iota
	created
	resolvedIncoming
	resolvedExisting
)

// resolve picks the record with the later CreatedAt; ties go to incoming.
// The decision is appended to the conflict log.
func (m *Manager) resolve(existing, incoming core.Record) (core.Record, bool) {
	incomingWins := !existing.CreatedAt.After(incoming.CreatedAt)
	chosen := existing
	if incomingWins {
		chosen = incoming
	}
	rec := ConflictRecord{
		ID:         existing.ID,
		Existing:   existing.Clone(),
		Incoming:   incoming.Clone(),
		Chosen:     chosen.Clone(),
		DetectedAt: m.now(),
	}
	m.statsMu.Lock()
	m.conflicts = append(m.conflicts, rec)
	m.stats.Conflicts++
	m.statsMu.Unlock()
	m.metrics.conflicts.Inc()
	m.logger.Debug("conflict resolved", "id", existing.ID, "incoming_wins", incomingWins)
	return chosen, incomingWins
}

// reconcile brings dst's copy of r in line with r. When dst's own copy wins
// a conflict it is also written back to src so both sides agree.
func (m *Manager) reconcile(ctx context.Context, src, dst core.Store, r core.Record) (outcome, error) {
	existing, ok, err := dst.Retrieve(ctx, r.ID)
	if err != nil {
		return unchanged, fmt.Errorf("retrieve %s: %w", r.ID, err)
	}
	if !ok {
		if _, err := dst.Store(ctx, r); err != nil {
			return unchanged, fmt.Errorf("store %s: %w", r.ID, err)
		}
		return created, nil
	}
	if core.Equivalent(existing, r) {
		return unchanged, nil
	}
	chosen, incomingWins := m.resolve(existing, r)
	if _, err := dst.Store(ctx, chosen); err != nil {
		return unchanged, fmt.Errorf("store %s: %w", r.ID, err)
	}
	if incomingWins {
		return resolvedIncoming, nil
	}
	if _, err := src.Store(ctx, chosen); err != nil {
		return unchanged, fmt.Errorf("write back %s: %w", r.ID, err)
	}
	return resolvedExisting, nil
}

// SyncOneWay copies every record and vector of source into target and
// returns how many were copied. It runs outside any transaction; use
// Synchronize for an atomic sync.
func (m *Manager) SyncOneWay(ctx context.Context, source, target string) (int, error) {
	src, ok := m.registry.Adapter(source)
	if !ok {
		return 0, fmt.Errorf("sync from %s: %w", source, core.ErrUnregisteredStore)
	}
	dst, ok := m.registry.Adapter(target)
	if !ok {
		return 0, fmt.Errorf("sync to %s: %w", target, core.ErrUnregisteredStore)
	}
	return m.syncOneWay(ctx, src, dst)
}

func (m *Manager) syncOneWay(ctx context.Context, src, dst core.Store) (int, error) {
	items, err := allItems(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("list source items: %w", err)
	}
	count, copied := 0, 0
	for _, r := range items {
		out, err := m.reconcile(ctx, src, dst, r)
		if err != nil {
			return count, err
		}
		switch out {
		case created:
			count++
			copied++
		case resolvedIncoming:
			count++
		}
	}

	srcVec, ok1 := src.(core.VectorStore)
	dstVec, ok2 := dst.(core.VectorStore)
	if ok1 && ok2 {
		vectors, err := srcVec.AllVectors(ctx)
		if err != nil {
			return count, fmt.Errorf("list source vectors: %w", err)
		}
		for _, v := range vectors {
			_, exists, err := dstVec.RetrieveVector(ctx, v.ID)
			if err != nil {
				return count, fmt.Errorf("retrieve vector %s: %w", v.ID, err)
			}
			if exists {
				continue
			}
			if _, err := dstVec.StoreVector(ctx, v); err != nil {
				return count, fmt.Errorf("store vector %s: %w", v.ID, err)
			}
			count++
			copied++
		}
	}
	m.addSynchronized(copied)
	return count, nil
}

func direction(source, target string) string {
	return source + "_to_" + target
}

// Synchronize copies source into target, and target back into source when
// bidirectional, inside one transaction over both stores. Missing stores
// are logged and yield a zero count without error.
func (m *Manager) Synchronize(ctx context.Context, source, target string, bidirectional bool) (map[string]int, error) {
	src, ok1 := m.registry.Adapter(source)
	dst, ok2 := m.registry.Adapter(target)
	if !ok1 || !ok2 {
		m.logger.Warn("sync skipped due to missing stores", "source", source, "target", target)
		return map[string]int{direction(source, target): 0}, nil
	}

	result := make(map[string]int)
	err := m.Transaction(ctx, []string{source, target}, func(ctx context.Context, _ Handles) error {
		n, err := m.syncOneWay(ctx, src, dst)
		if err != nil {
			return err
		}
		result[direction(source, target)] = n
		if bidirectional {
			n, err := m.syncOneWay(ctx, dst, src)
			if err != nil {
				return err
			}
			result[direction(target, source)] = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synchronize %s: %w", direction(source, target), err)
	}
	m.notify(ctx, nil)
	return result, nil
}

// SynchronizeInto merges every registered auxiliary store one-way into the
// canonical store within a single transaction. A missing canonical store
// yields an empty result.
func (m *Manager) SynchronizeInto(ctx context.Context, canonical string, auxiliary ...string) (map[string]int, error) {
	result := make(map[string]int)
	dst, ok := m.registry.Adapter(canonical)
	if !ok {
		m.logger.Warn("core sync skipped, canonical store missing", "store", canonical)
		return result, nil
	}
	stores := []string{canonical}
	sources := make(map[string]core.Store)
	for _, name := range auxiliary {
		if _, dup := sources[name]; dup || name == canonical {
			continue
		}
		if s, ok := m.registry.Adapter(name); ok {
			stores = append(stores, name)
			sources[name] = s
		}
	}

	err := m.Transaction(ctx, stores, func(ctx context.Context, _ Handles) error {
		for _, name := range stores[1:] {
			n, err := m.syncOneWay(ctx, sources[name], dst)
			if err != nil {
				return err
			}
			result[direction(name, canonical)] = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synchronize into %s: %w", canonical, err)
	}
	m.notify(ctx, nil)
	return result, nil
}

// SynchronizeCore runs SynchronizeInto with the stores set by WithCoreStores.
func (m *Manager) SynchronizeCore(ctx context.Context) (map[string]int, error) {
	if m.canonical == "" {
		return map[string]int{}, nil
	}
	return m.SynchronizeInto(ctx, m.canonical, m.auxiliary...)
}

func allItems(ctx context.Context, s core.Store) ([]core.Record, error) {
	if l, ok := s.(core.ItemLister); ok {
		return l.AllItems(ctx)
	}
	return s.Search(ctx, core.Query{})
}
