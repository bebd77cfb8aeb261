// Package canonical derives deterministic external ids for provider records
// that carry no stable id of their own (timeline segments, statement rows).
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes keep ids from different record families disjoint.
const (
	DomainLocation  = "journal/location/v1"
	DomainStatement = "journal/statement/v1"
	DomainBookmark  = "journal/bookmark/v1"
)

// coordPrecision is the number of decimals kept for latitude and longitude
// (about one metre).
const coordPrecision = 5

const timeLayout = "2006-01-02T15:04:05.000Z"

// Builder accumulates key=value fields in call order. The same calls with
// the same values always produce the same canonical string.
type Builder struct {
	parts []string
}

// New starts a canonical record tagged with typ.
func New(typ string) *Builder {
	b := &Builder{}
	return b.String("type", typ)
}

func (b *Builder) String(key, value string) *Builder {
	b.parts = append(b.parts, key+"="+escape(norm.NFC.String(strings.TrimSpace(value))))
	return b
}

// Time appends t in UTC with millisecond precision. The zero time is empty.
func (b *Builder) Time(key string, t time.Time) *Builder {
	if t.IsZero() {
		return b.String(key, "")
	}
	return b.String(key, t.UTC().Format(timeLayout))
}

func (b *Builder) Int(key string, v int64) *Builder {
	return b.String(key, strconv.FormatInt(v, 10))
}

// Coord appends a latitude/longitude pair rounded to coordPrecision decimals.
func (b *Builder) Coord(key string, lat, lng float64) *Builder {
	return b.String(key, roundCoord(lat)+","+roundCoord(lng))
}

// Canonical returns the canonical string.
func (b *Builder) Canonical() string {
	return strings.Join(b.parts, "|")
}

// ID hashes the canonical string under domain.
func (b *Builder) ID(domain string) string {
	return Hash(domain, []byte(b.Canonical()))
}

// Hash computes SHA-256(domain + 0x00 + data) as lowercase hex.
func Hash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func roundCoord(v float64) string {
	scale := math.Pow(10, coordPrecision)
	r := math.Round(v*scale) / scale
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', coordPrecision, 64)
}

var escaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

func escape(s string) string {
	return escaper.Replace(s)
}
