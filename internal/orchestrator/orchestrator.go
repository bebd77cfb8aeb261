// Package orchestrator drives synchronization cycles: for each registered
// provider it resumes from the stored cursor, ingests what the collector
// returns, advances the cursor and runs the bounded re-enrichment pass.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dethbird/journal-sub000/internal/cursor"
	"github.com/dethbird/journal-sub000/internal/ingest"
	"github.com/dethbird/journal-sub000/internal/source"
	"github.com/dethbird/journal-sub000/internal/storage"
)

// Store is the persistence used during a cycle.
type Store interface {
	ingest.EventStore
	ingest.JobEnqueuer
	Ping(ctx context.Context) error
	EnsureCursor(ctx context.Context, provider, accountID string) (storage.Cursor, error)
	SetCursor(ctx context.Context, provider, accountID, value string) error
	ListActiveAccounts(ctx context.Context, provider string) ([]storage.Account, error)
	ListEvents(ctx context.Context, f storage.EventFilter) ([]storage.Event, error)
	SaveSyncRun(ctx context.Context, r storage.SyncRun) error
}

// AccountAuthorizer opens a credential session for a connected account.
type AccountAuthorizer interface {
	Authorize(ctx context.Context, acct storage.Account) (source.Authorizer, error)
}

// Config tunes a cycle.
type Config struct {
	// Concurrency > 1 runs that many providers at once. Accounts of one
	// provider always run sequentially.
	Concurrency int
	// BuildTimeout bounds each re-enrichment builder call.
	BuildTimeout time.Duration
	// Providers restricts the cycle to these names when non-empty.
	Providers []string
}

// Orchestrator runs synchronization cycles over a registry.
type Orchestrator struct {
	registry *source.Registry
	store    Store
	ingester *ingest.Ingester
	auth     AccountAuthorizer
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Orchestrator. auth may be nil when no per-account
// provider is registered.
func New(registry *source.Registry, store Store, auth AccountAuthorizer, cfg Config) *Orchestrator {
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 30 * time.Second
	}
	return &Orchestrator{
		registry: registry,
		store:    store,
		ingester: ingest.NewIngester(store),
		auth:     auth,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// RunCycle runs one pass over every selected provider. Provider failures
// are recorded in the summary; only an unreachable store or cancellation
// is returned as an error.
func (o *Orchestrator) RunCycle(ctx context.Context) (Summary, error) {
	sum := Summary{CycleID: uuid.New().String(), StartedAt: o.now()}

	if err := o.store.Ping(ctx); err != nil {
		return sum, &source.FatalError{Err: fmt.Errorf("store unreachable: %w", err)}
	}

	regs, err := o.selected()
	if err != nil {
		return sum, &source.FatalError{Err: err}
	}

	results := make([]ProviderSummary, len(regs))
	if o.cfg.Concurrency > 1 {
		var g errgroup.Group
		g.SetLimit(o.cfg.Concurrency)
		for i, reg := range regs {
			g.Go(func() error {
				results[i] = o.runProvider(ctx, reg)
				return nil
			})
		}
		g.Wait()
	} else {
		for i, reg := range regs {
			results[i] = o.runProvider(ctx, reg)
		}
	}

	sum.Providers = results
	sum.FinishedAt = o.now()

	if err := ctx.Err(); err != nil {
		return sum, err
	}
	for _, ps := range results {
		if err := o.store.SaveSyncRun(ctx, ps.record(sum.CycleID)); err != nil {
			o.logger.Error("recording sync run failed", "provider", ps.Provider, "error", err)
		}
	}
	if err := o.store.Ping(ctx); err != nil {
		return sum, &source.FatalError{Err: fmt.Errorf("store unreachable: %w", err)}
	}
	return sum, nil
}

func (o *Orchestrator) selected() ([]source.Registration, error) {
	all := o.registry.List()
	if len(o.cfg.Providers) == 0 {
		return all, nil
	}
	byName := make(map[string]source.Registration, len(all))
	for _, reg := range all {
		byName[reg.Provider] = reg
	}
	out := make([]source.Registration, 0, len(o.cfg.Providers))
	for _, name := range o.cfg.Providers {
		reg, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("provider %q is not registered", name)
		}
		out = append(out, reg)
	}
	return out, nil
}

// target is one cursor's worth of work: the global identity or one account.
type target struct {
	accountID string
	ownerID   string
	collect   func(ctx context.Context, cur cursor.Cursor) (source.Result, error)
}

func (o *Orchestrator) runProvider(ctx context.Context, reg source.Registration) (ps ProviderSummary) {
	ps = ProviderSummary{Provider: reg.Provider, StartedAt: o.now()}
	log := o.logger.With("provider", reg.Provider)

	defer func() {
		if r := recover(); r != nil {
			log.Error("provider panicked", "panic", r)
			ps.fail(fmt.Errorf("panic: %v", r))
		}
		ps.FinishedAt = o.now()
		ps.settle()
		log.Info("provider finished", "status", ps.Status, "created", ps.Created,
			"duplicates", ps.Duplicates, "failed", ps.Failed, "reenriched", ps.Reenriched)
	}()

	targets, err := o.targets(ctx, reg, &ps)
	if err != nil {
		log.Error("listing targets failed", "stage", "targets", "error", err)
		ps.fail(err)
		return ps
	}

	for _, t := range targets {
		if ctx.Err() != nil {
			ps.fail(ctx.Err())
			return ps
		}
		ps.Targets++
		if err := o.runTarget(ctx, reg, t, &ps); err != nil {
			ps.fail(err)
		}
	}
	return ps
}

func (o *Orchestrator) targets(ctx context.Context, reg source.Registration, ps *ProviderSummary) ([]target, error) {
	switch src := reg.Source.(type) {
	case source.Global:
		return []target{{collect: src.Collector.Collect}}, nil

	case source.PerAccount:
		accounts, err := o.store.ListActiveAccounts(ctx, reg.Provider)
		if err != nil {
			return nil, fmt.Errorf("listing accounts: %w", err)
		}
		out := make([]target, 0, len(accounts))
		for _, acct := range accounts {
			if o.auth == nil {
				return nil, &source.ConfigurationError{Provider: reg.Provider, Message: "no credential resolver configured"}
			}
			authz, err := o.auth.Authorize(ctx, acct)
			if err != nil {
				o.logger.Warn("account skipped", "provider", reg.Provider, "account", acct.ID, "stage", "credential", "error", err)
				ps.Targets++
				ps.Skipped++
				continue
			}
			sa := source.Account{
				ID:           acct.ID,
				Provider:     acct.Provider,
				OwnerID:      acct.OwnerID,
				ExternalUser: acct.ExternalUser,
				Auth:         authz,
			}
			collector := src.Collector
			out = append(out, target{
				accountID: acct.ID,
				ownerID:   acct.OwnerID,
				collect: func(ctx context.Context, cur cursor.Cursor) (source.Result, error) {
					return collector.CollectForAccount(ctx, sa, cur)
				},
			})
		}
		return out, nil

	default:
		return nil, &source.ConfigurationError{Provider: reg.Provider, Message: fmt.Sprintf("unsupported source type %T", reg.Source)}
	}
}

// runTarget collects, ingests and advances one cursor. The cursor only
// moves when the invocation succeeded and every item was stored.
func (o *Orchestrator) runTarget(ctx context.Context, reg source.Registration, t target, ps *ProviderSummary) error {
	log := o.logger.With("provider", reg.Provider, "account", t.accountID)

	row, err := o.store.EnsureCursor(ctx, reg.Provider, t.accountID)
	if err != nil {
		log.Error("loading cursor failed", "stage", "cursor", "error", err)
		return err
	}
	prev, err := reg.Cursor.Parse(row.Value)
	if err != nil {
		log.Error("stored cursor is unreadable, skipping", "stage", "cursor", "value", row.Value, "error", err)
		return &source.ConfigurationError{Provider: reg.Provider, Message: err.Error()}
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if reg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, reg.Timeout)
	}
	res, err := t.collect(callCtx, prev)
	cancel()
	if err != nil {
		switch {
		case source.IsConfiguration(err):
			log.Warn("collector skipped", "stage", "collect", "error", err)
			ps.Skipped++
			return nil
		case source.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
			log.Warn("collector hit a transient error", "stage", "collect", "error", err)
		default:
			log.Error("collector failed", "stage", "collect", "error", err)
		}
		return err
	}

	ps.Fetched += len(res.Items)
	failures := 0
	for _, item := range res.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if item.OwnerID == "" {
			item.OwnerID = t.ownerID
		}
		if err := o.ingestItem(ctx, reg, item, ps); err != nil {
			failures++
			log.Error("ingesting item failed", "stage", "ingest", "external_id", item.ExternalID, "error", err)
		}
	}
	if failures > 0 {
		ps.Failed += failures
		return fmt.Errorf("%d of %d items failed to ingest; cursor not advanced", failures, len(res.Items))
	}

	next, err := cursor.Max(prev, res.Next)
	if err != nil {
		log.Error("collector returned an incompatible cursor", "stage", "cursor", "error", err)
		return err
	}
	if next != nil && next.String() != row.Value {
		if err := o.store.SetCursor(ctx, reg.Provider, t.accountID, next.String()); err != nil {
			log.Error("saving cursor failed", "stage", "cursor", "error", err)
			return err
		}
		log.Debug("cursor advanced", "from", row.Value, "to", next.String())
	}

	if reg.Reenrich != nil {
		o.reenrich(ctx, reg, t.ownerID, ps)
	}
	return nil
}

func (o *Orchestrator) ingestItem(ctx context.Context, reg source.Registration, item source.Item, ps *ProviderSummary) error {
	out, err := o.ingester.Ingest(ctx, reg.Provider, item)
	if err != nil {
		return err
	}
	if out.IsNew {
		ps.Created++
	} else {
		ps.Duplicates++
	}

	if item.Enrichment != nil && (out.IsNew || (out.IsRecent && reg.RefreshOnRecent[item.EventType])) {
		if err := o.ingester.AttachEnrichment(ctx, out.Event.ID, item.Enrichment.Kind, item.Enrichment.Data); err != nil {
			o.logger.Warn("attaching enrichment failed", "provider", reg.Provider, "stage", "enrich",
				"event_id", out.Event.ID, "kind", item.Enrichment.Kind, "error", err)
		} else {
			ps.Enriched++
		}
	}

	if out.IsNew {
		for _, kind := range reg.AsyncKinds[item.EventType] {
			if err := ingest.EnqueueEnrichment(ctx, o.store, out.Event.ID, kind); err != nil {
				o.logger.Warn("enqueueing enrichment failed", "provider", reg.Provider, "stage", "enqueue",
					"event_id", out.Event.ID, "kind", kind, "error", err)
			}
		}
	}
	return nil
}

// reenrich rebuilds one enrichment kind for at most Limit of the provider's
// events inside Window, Delay apart. Builder misses are skipped silently.
func (o *Orchestrator) reenrich(ctx context.Context, reg source.Registration, ownerID string, ps *ProviderSummary) {
	p := reg.Reenrich
	events, err := o.store.ListEvents(ctx, storage.EventFilter{
		Provider:  reg.Provider,
		EventType: p.EventType,
		OwnerID:   ownerID,
		Since:     o.now().Add(-p.Window),
		Limit:     p.Limit,
	})
	if err != nil {
		o.logger.Warn("listing events for re-enrichment failed", "provider", reg.Provider, "stage", "reenrich", "error", err)
		return
	}

	for i, ev := range events {
		if i > 0 && p.Delay > 0 {
			t := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		bctx, cancel := context.WithTimeout(ctx, o.cfg.BuildTimeout)
		en := p.Builder.Build(bctx, ingest.StoredEvent(ev))
		cancel()
		if en == nil {
			continue
		}
		kind := en.Kind
		if kind == "" {
			kind = p.Kind
		}
		if err := o.ingester.AttachEnrichment(ctx, ev.ID, kind, en.Data); err != nil {
			o.logger.Warn("re-enrichment write failed", "provider", reg.Provider, "stage", "reenrich", "event_id", ev.ID, "error", err)
			continue
		}
		ps.Reenriched++
	}
}
