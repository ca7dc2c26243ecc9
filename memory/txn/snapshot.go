package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/becomeliminal/memsync/core"
)

// Snapshot is a deep copy of a store's records and vectors.
type Snapshot struct {
	Items   map[string]core.Record
	Vectors map[string]core.VectorRecord
}

// Capture copies every record and vector currently held by s.
func Capture(ctx context.Context, s core.Store) (*Snapshot, error) {
	items, err := listItems(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	snap := &Snapshot{
		Items:   make(map[string]core.Record, len(items)),
		Vectors: make(map[string]core.VectorRecord),
	}
	for _, r := range items {
		snap.Items[r.ID] = r.Clone()
	}
	if vs, ok := s.(core.VectorStore); ok {
		vectors, err := vs.AllVectors(ctx)
		if err != nil {
			return nil, fmt.Errorf("list vectors: %w", err)
		}
		for _, v := range vectors {
			snap.Vectors[v.ID] = v.Clone()
		}
	}
	return snap, nil
}

// Restore puts s back into the captured state: ids added since capture are
// deleted and every captured record and vector is stored again.
func (snap *Snapshot) Restore(ctx context.Context, s core.Store) error {
	var errs []error

	current, err := listItems(ctx, s)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	for _, r := range current {
		if _, ok := snap.Items[r.ID]; ok {
			continue
		}
		if _, err := s.Delete(ctx, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete item %s: %w", r.ID, err))
		}
	}
	for _, r := range snap.Items {
		if _, err := s.Store(ctx, r.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("restore item %s: %w", r.ID, err))
		}
	}

	if vs, ok := s.(core.VectorStore); ok {
		vectors, err := vs.AllVectors(ctx)
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("list vectors: %w", err))...)
		}
		for _, v := range vectors {
			if _, ok := snap.Vectors[v.ID]; ok {
				continue
			}
			if _, err := vs.DeleteVector(ctx, v.ID); err != nil {
				errs = append(errs, fmt.Errorf("delete vector %s: %w", v.ID, err))
			}
		}
		for _, v := range snap.Vectors {
			if _, err := vs.StoreVector(ctx, v.Clone()); err != nil {
				errs = append(errs, fmt.Errorf("restore vector %s: %w", v.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func listItems(ctx context.Context, s core.Store) ([]core.Record, error) {
	if l, ok := s.(core.ItemLister); ok {
		return l.AllItems(ctx)
	}
	return s.Search(ctx, core.Query{})
}

type snapshotContext struct {
	name   string
	store  core.Store
	txID   string
	logger *slog.Logger
	snap   *Snapshot
}

func (c *snapshotContext) Store() string { return c.name }
func (c *snapshotContext) TxID() string  { return c.txID }
func (c *snapshotContext) Native() bool  { return false }

func (c *snapshotContext) Begin(ctx context.Context) error {
	snap, err := Capture(ctx, c.store)
	if err != nil {
		return fmt.Errorf("capture snapshot: %w", err)
	}
	c.snap = snap
	c.logger.Debug("snapshot captured", "items", len(snap.Items), "vectors", len(snap.Vectors))
	return nil
}

func (c *snapshotContext) Commit(context.Context) error {
	c.snap = nil
	return nil
}

func (c *snapshotContext) Rollback(ctx context.Context, cause error) error {
	if c.snap == nil {
		return nil
	}
	snap := c.snap
	c.snap = nil
	if err := snap.Restore(ctx, c.store); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	c.logger.Debug("snapshot restored", "cause", cause)
	return nil
}

