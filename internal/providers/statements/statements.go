// Package statements imports transactions from bank statement files
// (CSV exports and text PDFs) dropped into an inbox directory. The cursor
// records each file's modification time, so a file is read again only when
// it changes.
package statements

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/dethbird/journal-sub000/internal/canonical"
	"github.com/dethbird/journal-sub000/internal/cursor"
	"github.com/dethbird/journal-sub000/internal/source"
)

const (
	Provider = "statements"

	EventTransaction = "transaction"
)

type Config struct {
	InboxDir string
	// Account labels transactions whose file does not name one.
	Account string
}

type Collector struct {
	cfg    Config
	logger *slog.Logger
}

var _ source.GlobalCollector = (*Collector)(nil)

func New(cfg Config) *Collector {
	return &Collector{cfg: cfg, logger: slog.Default().With("provider", Provider)}
}

func Register(reg *source.Registry, c *Collector) error {
	return reg.Register(Provider, source.Global{Collector: c}, source.WithCursor(cursor.StructuredSpec))
}

// Transaction is the payload of a transaction event.
type Transaction struct {
	Account     string    `json:"account"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
	Amount      string    `json:"amount"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency,omitempty"`
	File        string    `json:"file"`
	Line        int       `json:"line"`
}

// Collect reads every statement whose modification time is newer than its
// mark. A file that cannot be parsed keeps its old mark and is retried on
// the next cycle.
func (c *Collector) Collect(ctx context.Context, cur cursor.Cursor) (source.Result, error) {
	if c.cfg.InboxDir == "" {
		return source.Result{}, &source.ConfigurationError{Provider: Provider, Message: "statement inbox directory is not set"}
	}
	entries, err := os.ReadDir(c.cfg.InboxDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return source.Result{}, &source.ConfigurationError{Provider: Provider, Message: "statement inbox does not exist: " + c.cfg.InboxDir}
		}
		return source.Result{}, fmt.Errorf("listing statement inbox: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	prev, _ := cur.(cursor.Structured)
	next := prev
	var items []source.Item

	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return source.Result{}, err
		}
		info, err := e.Info()
		if err != nil {
			c.logger.Warn("skipping statement", "file", e.Name(), "error", err)
			continue
		}
		mark := strconv.FormatInt(info.ModTime().UnixMilli(), 10)
		if !cursor.MarkAfter(mark, prev.Get(e.Name())) {
			continue
		}

		txns, err := c.ReadFile(filepath.Join(c.cfg.InboxDir, e.Name()))
		if err != nil {
			c.logger.Warn("skipping statement", "file", e.Name(), "error", err)
			continue
		}
		items = append(items, assignIDs(txns)...)
		next = next.With(e.Name(), mark)
	}
	return source.Result{Items: items, Next: next}, nil
}

// Supported reports whether name looks like a statement file.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".pdf":
		return true
	}
	return false
}

// ReadFile parses one statement by extension.
func (c *Collector) ReadFile(path string) ([]Transaction, error) {
	var (
		txns []Transaction
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil, openErr
		}
		defer f.Close()
		txns, err = ParseCSV(f, c.cfg.Account)
	case ".pdf":
		var text string
		text, err = pdfText(path)
		if err == nil {
			txns, err = ParseText(text, c.cfg.Account)
		}
	default:
		return nil, fmt.Errorf("unsupported statement type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	for i := range txns {
		txns[i].File = name
	}
	return txns, nil
}

// assignIDs hashes each transaction. Identical rows in one file (two equal
// purchases on the same day) are told apart by their occurrence number.
func assignIDs(txns []Transaction) []source.Item {
	seen := make(map[string]int64)
	items := make([]source.Item, 0, len(txns))
	for _, tx := range txns {
		b := canonical.New("transaction").
			String("account", tx.Account).
			Time("date", tx.Date).
			String("description", tx.Description).
			Int("amount_cents", tx.AmountCents).
			String("currency", tx.Currency)
		key := b.Canonical()
		n := seen[key]
		seen[key] = n + 1

		items = append(items, source.Item{
			ExternalID: b.Int("occurrence", n).ID(canonical.DomainStatement),
			EventType:  EventTransaction,
			OccurredAt: tx.Date,
			Payload:    tx,
		})
	}
	return items
}

var dateLayouts = []string{"2006-01-02", "01/02/2006", "02.01.2006", "Jan 2, 2006"}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseAmount reads "1,234.56", "-12.50", "(12.50)" and "$12.50" into cents.
func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = s[1:]
	}
	s = strings.TrimLeft(s, "$€£")
	s = strings.ReplaceAll(s, ",", "")
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimals", s)
	}
	frac += strings.Repeat("0", 2-len(frac))
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// ParseCSV reads a statement export with a header row. Required columns
// are date, description and amount; currency and account are optional.
func ParseCSV(r io.Reader, defaultAccount string) ([]Transaction, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, required := range []string{"date", "description", "amount"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("statement is missing the %q column", required)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []Transaction
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		date, err := parseDate(field(rec, "date"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cents, err := parseAmount(field(rec, "amount"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		account := field(rec, "account")
		if account == "" {
			account = defaultAccount
		}
		out = append(out, Transaction{
			Account:     account,
			Date:        date,
			Description: field(rec, "description"),
			Amount:      formatCents(cents),
			AmountCents: cents,
			Currency:    strings.ToUpper(field(rec, "currency")),
			Line:        line,
		})
	}
	return out, nil
}

var textLine = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}|\d{2}/\d{2}/\d{4}|\d{2}\.\d{2}\.\d{4})\s+(.+?)\s+(\(?-?[$€£]?[\d,]+\.\d{2}\)?)(?:\s+[\d,]+\.\d{2})?$`)

// ParseText reads transaction lines out of a statement's plain text: a
// date, a description and an amount, optionally followed by a balance.
// Lines that do not match are headers or footers and are ignored.
func ParseText(text, account string) ([]Transaction, error) {
	var out []Transaction
	for i, raw := range strings.Split(text, "\n") {
		m := textLine.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			continue
		}
		date, err := parseDate(m[1])
		if err != nil {
			continue
		}
		cents, err := parseAmount(m[3])
		if err != nil {
			continue
		}
		out = append(out, Transaction{
			Account:     account,
			Date:        date,
			Description: strings.Join(strings.Fields(m[2]), " "),
			Amount:      formatCents(cents),
			AmountCents: cents,
			Line:        i + 1,
		})
	}
	if len(out) == 0 {
		return nil, errors.New("no transactions found in statement text")
	}
	return out, nil
}

// pdfText extracts text row by row. The pdf package panics on some
// malformed files, so panics are returned as errors.
func pdfText(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reading pdf: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		rows, err := p.GetTextByRow()
		if err != nil {
			return "", fmt.Errorf("reading page %d: %w", i, err)
		}
		for _, row := range rows {
			for j, w := range row.Content {
				if j > 0 {
					buf.WriteByte(' ')
				}
				buf.WriteString(w.S)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String(), nil
}
