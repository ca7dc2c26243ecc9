package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Query is the generic search predicate every store understands.
// The zero Query matches every record.
type Query struct {
	// Text is matched case-insensitively as a substring of the content.
	// Non-string content is matched against its JSON encoding.
	Text string `json:"text,omitempty"`

	// Kind restricts results to one record kind.
	Kind Kind `json:"kind,omitempty"`

	// Metadata requires every listed key to be present with an equal value.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsEmpty reports whether q matches everything.
func (q Query) IsEmpty() bool {
	return q.Text == "" && q.Kind == "" && len(q.Metadata) == 0
}

// Matches reports whether r satisfies q.
func (q Query) Matches(r Record) bool {
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	for k, want := range q.Metadata {
		got, ok := r.Metadata[k]
		if !ok || !sameValue(got, want) {
			return false
		}
	}
	if q.Text == "" {
		return true
	}
	return strings.Contains(strings.ToLower(ContentText(r.Content)), strings.ToLower(q.Text))
}

// ContentText renders content as the text used for matching and embedding.
func ContentText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case fmt.Stringer:
		return c.String()
	}
	if reflect.TypeOf(content).Kind() == reflect.String {
		return reflect.ValueOf(content).String()
	}
	b, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprint(content)
	}
	return string(b)
}
