package statements

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dethbird/journal-sub000/internal/cursor"
	"github.com/dethbird/journal-sub000/internal/source"
)

const sampleCSV = "Date,Description,Amount,Currency\n" +
	"2025-02-01,Coffee Shop,-4.50,usd\n" +
	"2025-02-01,Coffee Shop,-4.50,usd\n" +
	"02/03/2025,\"Payroll, ACME\",\"2,500.00\",usd\n"

func writeFile(t *testing.T, dir, name, body string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestParseCSV(t *testing.T) {
	txns, err := ParseCSV(strings.NewReader(sampleCSV), "checking")
	require.NoError(t, err)
	require.Len(t, txns, 3)

	assert.Equal(t, int64(-450), txns[0].AmountCents)
	assert.Equal(t, "-4.50", txns[0].Amount)
	assert.Equal(t, "USD", txns[0].Currency)
	assert.Equal(t, "checking", txns[0].Account)
	assert.Equal(t, "Payroll, ACME", txns[2].Description)
	assert.Equal(t, int64(250000), txns[2].AmountCents)
	assert.Equal(t, time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC), txns[2].Date)
}

func TestParseCSVMissingColumn(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("date,amount\n2025-01-01,1.00\n"), "")
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	tests := map[string]int64{
		"12":        1200,
		"12.5":      1250,
		"-12.50":    -1250,
		"(12.50)":   -1250,
		"$1,234.56": 123456,
	}
	for in, want := range tests {
		got, err := parseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseAmount("1.234")
	assert.Error(t, err)
}

func TestParseText(t *testing.T) {
	text := "First National Bank\n" +
		"Statement period 01/01/2025 - 01/31/2025\n" +
		"01/05/2025  GROCERY   MART   -54.20  1,945.80\n" +
		"01/07/2025 Refund (12.00)\n" +
		"Page 1 of 1\n"
	txns, err := ParseText(text, "card")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "GROCERY MART", txns[0].Description)
	assert.Equal(t, int64(-5420), txns[0].AmountCents)
	assert.Equal(t, int64(-1200), txns[1].AmountCents)

	_, err = ParseText("nothing here", "card")
	assert.Error(t, err)
}

func TestCollectHonorsFileMarks(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)
	writeFile(t, dir, "feb.csv", sampleCSV, mtime)
	writeFile(t, dir, "notes.txt", "ignored", mtime)

	c := New(Config{InboxDir: dir, Account: "checking"})
	res, err := c.Collect(context.Background(), cursor.Structured{})
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	// Equal rows get distinct ids; the ids are stable across reads.
	assert.NotEqual(t, res.Items[0].ExternalID, res.Items[1].ExternalID)
	again := assignIDs(mustRead(t, c, filepath.Join(dir, "feb.csv")))
	assert.Equal(t, res.Items[0].ExternalID, again[0].ExternalID)

	next := res.Next.(cursor.Structured)
	assert.Equal(t, "1739188800000", next.Get("feb.csv"))

	// Unchanged file: nothing to do.
	res, err = c.Collect(context.Background(), next)
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	// Touched file is read again.
	writeFile(t, dir, "feb.csv", sampleCSV, mtime.Add(time.Minute))
	res, err = c.Collect(context.Background(), next)
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
}

func TestCollectSkipsBrokenFileWithoutMark(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)
	writeFile(t, dir, "bad.csv", "date,description,amount\nnot-a-date,x,1.00\n", mtime)
	writeFile(t, dir, "broken.pdf", "%PDF-1.4 truncated", mtime)

	res, err := New(Config{InboxDir: dir}).Collect(context.Background(), cursor.Structured{})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.True(t, res.Next.IsZero())
}

func TestCollectMissingInbox(t *testing.T) {
	_, err := New(Config{InboxDir: filepath.Join(t.TempDir(), "nope")}).Collect(context.Background(), cursor.Structured{})
	assert.True(t, source.IsConfiguration(err))
}

func mustRead(t *testing.T, c *Collector, path string) []Transaction {
	t.Helper()
	txns, err := c.ReadFile(path)
	require.NoError(t, err)
	return txns
}
