// Package graph is an in-memory graph store: records are nodes and typed
// relations are directed edges between them. It supports native, nestable
// transactions by keeping a stack of saved states.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/memsync/core"
)

// Edge is a directed, typed relation between two node ids.
type Edge struct {
	From     string
	To       string
	Relation string
}

type graphState struct {
	nodes map[string]core.Record
	edges []Edge
}

func (s graphState) clone() graphState {
	out := graphState{
		nodes: make(map[string]core.Record, len(s.nodes)),
		edges: append([]Edge(nil), s.edges...),
	}
	for id, r := range s.nodes {
		out.nodes[id] = r.Clone()
	}
	return out
}

type frame struct {
	txID  string
	saved graphState
}

// Store is a graph store with native transactions.
type Store struct {
	name   string
	logger *slog.Logger
	mu     sync.RWMutex
	state  graphState
	frames []frame
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates an empty graph store.
func New(name string, opts ...Option) *Store {
	s := &Store{
		name:   name,
		logger: slog.Default(),
		state:  graphState{nodes: make(map[string]core.Record)},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "graph", "store", name)
	return s
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Store upserts a node.
func (s *Store) Store(_ context.Context, r core.Record) (string, error) {
	r = r.Clone()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.state.nodes[r.ID] = r
	s.mu.Unlock()
	return r.ID, nil
}

// Retrieve returns a node.
func (s *Store) Retrieve(_ context.Context, id string) (core.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.nodes[id]
	if !ok {
		return core.Record{}, false, nil
	}
	return r.Clone(), true, nil
}

// Search returns matching nodes ordered by id.
func (s *Store) Search(_ context.Context, q core.Query) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Record
	for _, r := range s.state.nodes {
		if q.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AllItems returns every node.
func (s *Store) AllItems(ctx context.Context) ([]core.Record, error) {
	return s.Search(ctx, core.Query{})
}

// Delete removes a node and every edge touching it.
func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.nodes[id]; !ok {
		return false, nil
	}
	delete(s.state.nodes, id)
	kept := s.state.edges[:0]
	for _, e := range s.state.edges {
		if e.From != id && e.To != id {
			kept = append(kept, e)
		}
	}
	s.state.edges = kept
	return true, nil
}

// AddRelation adds a directed edge. Both endpoints must exist.
func (s *Store) AddRelation(_ context.Context, from, to, relation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{from, to} {
		if _, ok := s.state.nodes[id]; !ok {
			return fmt.Errorf("add relation %s: node %s: %w", relation, id, core.ErrNotFound)
		}
	}
	for _, e := range s.state.edges {
		if e.From == from && e.To == to && e.Relation == relation {
			return nil
		}
	}
	s.state.edges = append(s.state.edges, Edge{From: from, To: to, Relation: relation})
	return nil
}

// Related returns the nodes adjacent to id in either direction, ordered by id.
func (s *Store) Related(_ context.Context, id string) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []core.Record
	for _, e := range s.state.edges {
		var other string
		switch id {
		case e.From:
			other = e.To
		case e.To:
			other = e.From
		default:
			continue
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		if r, ok := s.state.nodes[other]; ok {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Edges returns a copy of every edge.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Edge(nil), s.state.edges...)
}

// BeginTransaction saves the current state as a rollback point.
func (s *Store) BeginTransaction(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame{txID: txID, saved: s.state.clone()})
	s.logger.Debug("transaction started", "tx_id", txID, "depth", len(s.frames))
	return nil
}

// CommitTransaction discards the rollback point of the innermost transaction.
func (s *Store) CommitTransaction(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.top(txID); err != nil {
		return err
	}
	s.frames = s.frames[:len(s.frames)-1]
	s.logger.Debug("transaction committed", "tx_id", txID)
	return nil
}

// RollbackTransaction restores the state saved by the innermost BeginTransaction.
func (s *Store) RollbackTransaction(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.top(txID)
	if err != nil {
		return err
	}
	s.state = f.saved
	s.frames = s.frames[:len(s.frames)-1]
	s.logger.Debug("transaction rolled back", "tx_id", txID)
	return nil
}

// InTransaction reports whether any transaction is open.
func (s *Store) InTransaction() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames) > 0
}

func (s *Store) top(txID string) (frame, error) {
	if len(s.frames) == 0 {
		return frame{}, fmt.Errorf("transaction %s: %w", txID, core.ErrNoTransaction)
	}
	f := s.frames[len(s.frames)-1]
	if f.txID != txID {
		for _, other := range s.frames {
			if other.txID == txID {
				return frame{}, fmt.Errorf("transaction %s: %w", txID, core.ErrTransactionOrder)
			}
		}
		return frame{}, fmt.Errorf("transaction %s: %w", txID, core.ErrNoTransaction)
	}
	return f, nil
}
