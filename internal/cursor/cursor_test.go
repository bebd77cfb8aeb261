package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		raw  string
	}{
		{"integer", IntegerSpec, "31337"},
		{"millis", MillisSpec, "1700000000123"},
		{"iso", ISOSpec, "2025-04-01T10:30:00.5Z"},
		{"structured", StructuredSpec, `{"board-a":"5f1","board-b":"6a2"}`},
		{"empty integer", IntegerSpec, ""},
		{"empty structured", StructuredSpec, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.spec.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.spec.Kind, c.Kind())
			assert.Equal(t, tt.raw, c.String())
		})
	}
}

func TestParseTimestampAcceptsOtherEncoding(t *testing.T) {
	c, err := MillisSpec.Parse("2025-01-01T00:00:01Z")
	require.NoError(t, err)
	assert.Equal(t, "1735689601000", c.String())

	c, err = ISOSpec.Parse("1735689601000")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01T00:00:01Z", c.String())
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := IntegerSpec.Parse("abc")
	assert.Error(t, err)
	_, err = ISOSpec.Parse("yesterday")
	assert.Error(t, err)
	_, err = StructuredSpec.Parse("[1,2]")
	assert.Error(t, err)
}

func TestMaxInteger(t *testing.T) {
	m, err := Max(NewInteger(10), NewInteger(7))
	require.NoError(t, err)
	assert.Equal(t, "10", m.String())

	m, err = Max(Integer{}, NewInteger(7))
	require.NoError(t, err)
	assert.Equal(t, "7", m.String())
}

// A millisecond cursor of "1000" must stay "1000" when every returned item
// is at or before it.
func TestMaxMillisUnchanged(t *testing.T) {
	prev, err := MillisSpec.Parse("1000")
	require.NoError(t, err)

	next := NewTimestamp(time.UnixMilli(900), LayoutMillis)
	m, err := Max(prev, next)
	require.NoError(t, err)
	assert.Equal(t, "1000", m.String())

	m, err = Max(prev, NewTimestamp(time.UnixMilli(1000), LayoutMillis))
	require.NoError(t, err)
	assert.Equal(t, "1000", m.String())
}

func TestMaxKeepsPreviousLayout(t *testing.T) {
	prev := NewTimestamp(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), LayoutISO)
	next := NewTimestamp(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), LayoutMillis)
	m, err := Max(prev, next)
	require.NoError(t, err)
	assert.Equal(t, "2025-02-01T00:00:00Z", m.String())
}

func TestMaxStructuredPerKey(t *testing.T) {
	prev := Structured{Marks: map[string]string{"a": "5", "b": "100"}}
	next := Structured{Marks: map[string]string{"a": "9", "b": "20", "c": "1"}}
	m, err := Max(prev, next)
	require.NoError(t, err)

	s := m.(Structured)
	assert.Equal(t, "9", s.Get("a"))
	assert.Equal(t, "100", s.Get("b"))
	assert.Equal(t, "1", s.Get("c"))
}

func TestMaxMixedKinds(t *testing.T) {
	_, err := Max(NewInteger(1), NewTimestamp(time.Now(), LayoutMillis))
	assert.Error(t, err)
}

func TestAtLeast(t *testing.T) {
	assert.True(t, AtLeast(NewInteger(5), NewInteger(5)))
	assert.True(t, AtLeast(NewInteger(6), NewInteger(5)))
	assert.False(t, AtLeast(NewInteger(4), NewInteger(5)))
	assert.True(t, AtLeast(NewInteger(4), Integer{}))
}

func TestStructuredWithCopies(t *testing.T) {
	orig := Structured{Marks: map[string]string{"a": "1"}}
	next := orig.With("a", "2")
	assert.Equal(t, "1", orig.Get("a"))
	assert.Equal(t, "2", next.Get("a"))
}

func TestMarkAfter(t *testing.T) {
	assert.True(t, MarkAfter("10", ""))
	assert.True(t, MarkAfter("10", "9"))
	assert.False(t, MarkAfter("9", "10"))
	assert.True(t, MarkAfter("5f2", "5f1"))
}
