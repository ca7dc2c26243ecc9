package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/becomeliminal/memsync/core"
)

func TestRecordCloneIsDeep(t *testing.T) {
	orig := core.Record{
		ID:       "a",
		Content:  map[string]any{"tags": []any{"x", "y"}},
		Metadata: map[string]any{"owner": "alice", "nested": map[string]any{"n": 1}},
	}
	clone := orig.Clone()

	clone.Metadata["owner"] = "bob"
	clone.Metadata["nested"].(map[string]any)["n"] = 2
	clone.Content.(map[string]any)["tags"].([]any)[0] = "z"

	if orig.Metadata["owner"] != "alice" {
		t.Errorf("metadata mutated through clone: %v", orig.Metadata["owner"])
	}
	if orig.Metadata["nested"].(map[string]any)["n"] != 1 {
		t.Errorf("nested metadata mutated through clone")
	}
	if orig.Content.(map[string]any)["tags"].([]any)[0] != "x" {
		t.Errorf("content mutated through clone")
	}
}

func TestEquivalentNormalizesNumbers(t *testing.T) {
	a := core.Record{ID: "a", Content: map[string]any{"n": 1}, Metadata: map[string]any{"v": int64(2)}}
	b := core.Record{ID: "a", Content: map[string]any{"n": 1.0}, Metadata: map[string]any{"v": 2.0}}
	if !core.Equivalent(a, b) {
		t.Error("expected int and float encodings to be equivalent")
	}

	b.Content = map[string]any{"n": 2.0}
	if core.Equivalent(a, b) {
		t.Error("expected different content to differ")
	}
}

func TestEquivalentTreatsEmptyMetadataAsNil(t *testing.T) {
	a := core.Record{ID: "a", Content: "x"}
	b := core.Record{ID: "a", Content: "x", Metadata: map[string]any{}}
	if !core.Equivalent(a, b) {
		t.Error("expected nil and empty metadata to be equivalent")
	}
}

func TestQueryMatches(t *testing.T) {
	r := core.Record{
		ID:       "r1",
		Content:  "Deploy the Payment service",
		Kind:     core.KindCode,
		Metadata: map[string]any{"team": "billing", "priority": 1},
	}

	tests := []struct {
		name  string
		query core.Query
		want  bool
	}{
		{"empty", core.Query{}, true},
		{"text case-insensitive", core.Query{Text: "payment"}, true},
		{"text miss", core.Query{Text: "refund"}, false},
		{"kind", core.Query{Kind: core.KindCode}, true},
		{"kind miss", core.Query{Kind: core.KindEpisodic}, false},
		{"metadata", core.Query{Metadata: map[string]any{"team": "billing"}}, true},
		{"metadata numeric", core.Query{Metadata: map[string]any{"priority": 1.0}}, true},
		{"metadata miss", core.Query{Metadata: map[string]any{"team": "search"}}, false},
		{"metadata absent key", core.Query{Metadata: map[string]any{"region": "eu"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.query.Matches(r); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryMatchesStructuredContent(t *testing.T) {
	r := core.Record{ID: "r", Content: map[string]any{"title": "Quarterly Report"}}
	if !(core.Query{Text: "quarterly"}).Matches(r) {
		t.Error("expected text to match inside structured content")
	}
}

func TestTransactionErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("sync: %w", core.NewTransactionError(core.OpCommit, "graph", "tx1", cause))

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	if !core.IsCommit(err) {
		t.Error("expected IsCommit")
	}
	if core.IsPrepare(err) {
		t.Error("did not expect IsPrepare")
	}
	want := "commit transaction tx1 on store graph: disk full"
	var te *core.TransactionError
	if !errors.As(err, &te) || te.Error() != want {
		t.Errorf("Error() = %q, want %q", te.Error(), want)
	}
}
