// Package cursor implements the resume tokens persisted per provider and
// account. A cursor is stored as an opaque string; each provider declares
// which variant it uses so the string can be parsed, compared and
// serialized again without losing its encoding.
package cursor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind tags a cursor variant.
type Kind string

const (
	KindInteger    Kind = "integer"
	KindTimestamp  Kind = "timestamp"
	KindStructured Kind = "structured"
)

// Layout selects how a Timestamp cursor is serialized.
type Layout int

const (
	// LayoutMillis encodes milliseconds since the Unix epoch.
	LayoutMillis Layout = iota
	// LayoutISO encodes RFC 3339 with nanosecond precision.
	LayoutISO
)

// Cursor is one of Integer, Timestamp or Structured.
type Cursor interface {
	Kind() Kind
	// String is the persisted form. The zero cursor serializes to "".
	String() string
	IsZero() bool
}

// Integer is a monotonically increasing numeric id such as a feed event id.
type Integer struct {
	Value int64
	Valid bool
}

func NewInteger(v int64) Integer { return Integer{Value: v, Valid: true} }

func (c Integer) Kind() Kind   { return KindInteger }
func (c Integer) IsZero() bool { return !c.Valid }

func (c Integer) String() string {
	if !c.Valid {
		return ""
	}
	return strconv.FormatInt(c.Value, 10)
}

// Timestamp is a point in time in one of two encodings.
type Timestamp struct {
	At     time.Time
	Layout Layout
}

func NewTimestamp(at time.Time, layout Layout) Timestamp {
	return Timestamp{At: at, Layout: layout}
}

func (c Timestamp) Kind() Kind   { return KindTimestamp }
func (c Timestamp) IsZero() bool { return c.At.IsZero() }

func (c Timestamp) String() string {
	if c.At.IsZero() {
		return ""
	}
	if c.Layout == LayoutMillis {
		return strconv.FormatInt(c.At.UnixMilli(), 10)
	}
	return c.At.UTC().Format(time.RFC3339Nano)
}

// Structured maps a sub-resource (a board, a file) to the last id seen in it.
type Structured struct {
	Marks map[string]string
}

func (c Structured) Kind() Kind   { return KindStructured }
func (c Structured) IsZero() bool { return len(c.Marks) == 0 }

func (c Structured) String() string {
	if len(c.Marks) == 0 {
		return ""
	}
	// encoding/json sorts map keys, so the output is deterministic.
	b, _ := json.Marshal(c.Marks)
	return string(b)
}

// Get returns the mark for key, or "" when the sub-resource is unseen.
func (c Structured) Get(key string) string {
	return c.Marks[key]
}

// With returns a copy of c with key set to value.
func (c Structured) With(key, value string) Structured {
	marks := make(map[string]string, len(c.Marks)+1)
	for k, v := range c.Marks {
		marks[k] = v
	}
	marks[key] = value
	return Structured{Marks: marks}
}

// Spec declares the cursor variant a provider persists.
type Spec struct {
	Kind   Kind
	Layout Layout // Timestamp only
}

var (
	IntegerSpec    = Spec{Kind: KindInteger}
	MillisSpec     = Spec{Kind: KindTimestamp, Layout: LayoutMillis}
	ISOSpec        = Spec{Kind: KindTimestamp, Layout: LayoutISO}
	StructuredSpec = Spec{Kind: KindStructured}
)

// Zero returns the empty cursor of the declared variant.
func (s Spec) Zero() Cursor {
	switch s.Kind {
	case KindTimestamp:
		return Timestamp{Layout: s.Layout}
	case KindStructured:
		return Structured{}
	default:
		return Integer{}
	}
}

// Parse decodes a persisted value. The empty string is the zero cursor.
// Timestamp cursors accept either encoding and keep the declared layout.
func (s Spec) Parse(raw string) (Cursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.Zero(), nil
	}
	switch s.Kind {
	case KindInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing integer cursor %q: %w", raw, err)
		}
		return NewInteger(v), nil
	case KindTimestamp:
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return NewTimestamp(time.UnixMilli(ms).UTC(), s.Layout), nil
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp cursor %q: %w", raw, err)
		}
		return NewTimestamp(t.UTC(), s.Layout), nil
	case KindStructured:
		var marks map[string]string
		if err := json.Unmarshal([]byte(raw), &marks); err != nil {
			return nil, fmt.Errorf("parsing structured cursor: %w", err)
		}
		return Structured{Marks: marks}, nil
	default:
		return nil, fmt.Errorf("unknown cursor kind %q", s.Kind)
	}
}

// Max returns the cursor that is at least as far as both a and b. A nil or
// zero argument yields the other. Mixing variants is an error.
func Max(a, b Cursor) (Cursor, error) {
	if a == nil || a.IsZero() {
		if b == nil {
			return a, nil
		}
		return b, nil
	}
	if b == nil || b.IsZero() {
		return a, nil
	}
	if a.Kind() != b.Kind() {
		return nil, fmt.Errorf("cannot compare %s cursor with %s cursor", a.Kind(), b.Kind())
	}

	switch av := a.(type) {
	case Integer:
		bv := b.(Integer)
		if bv.Value > av.Value {
			return bv, nil
		}
		return av, nil
	case Timestamp:
		bv := b.(Timestamp)
		if bv.At.After(av.At) {
			return Timestamp{At: bv.At, Layout: av.Layout}, nil
		}
		return av, nil
	case Structured:
		bv := b.(Structured)
		marks := make(map[string]string, len(av.Marks)+len(bv.Marks))
		for k, v := range av.Marks {
			marks[k] = v
		}
		for k, v := range bv.Marks {
			if cur, ok := marks[k]; !ok || compareMark(v, cur) > 0 {
				marks[k] = v
			}
		}
		return Structured{Marks: marks}, nil
	default:
		return nil, fmt.Errorf("unsupported cursor type %T", a)
	}
}

// AtLeast reports whether a is at least as far as b.
func AtLeast(a, b Cursor) bool {
	m, err := Max(a, b)
	if err != nil {
		return false
	}
	return m.String() == a.String()
}

// compareMark orders structured marks numerically when both are integers
// and lexicographically otherwise.
func compareMark(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// MarkAfter reports whether mark is strictly after last within a Structured
// cursor. An empty last means the sub-resource is unseen.
func MarkAfter(mark, last string) bool {
	if last == "" {
		return true
	}
	return compareMark(mark, last) > 0
}
