package orchestrator

import (
	"time"

	"github.com/dethbird/journal-sub000/internal/storage"
)

// Summary is the result of one cycle.
type Summary struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Providers  []ProviderSummary
}

// ProviderSummary records what happened to one provider in a cycle.
type ProviderSummary struct {
	Provider   string
	Status     string
	Targets    int
	Skipped    int
	Fetched    int
	Created    int
	Duplicates int
	Enriched   int
	Reenriched int
	Failed     int
	Errors     []string
	StartedAt  time.Time
	FinishedAt time.Time
}

const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

func (ps *ProviderSummary) fail(err error) {
	ps.Errors = append(ps.Errors, err.Error())
}

// settle derives Status from the counters.
func (ps *ProviderSummary) settle() {
	ran := ps.Targets - ps.Skipped
	switch {
	case len(ps.Errors) == 0 && ran <= 0 && ps.Skipped > 0:
		ps.Status = StatusSkipped
	case len(ps.Errors) == 0:
		ps.Status = StatusOK
	case len(ps.Errors) < ran:
		ps.Status = StatusPartial
	default:
		ps.Status = StatusFailed
	}
}

func (ps ProviderSummary) record(cycleID string) storage.SyncRun {
	errText := ""
	for i, e := range ps.Errors {
		if i > 0 {
			errText += "; "
		}
		errText += e
	}
	return storage.SyncRun{
		CycleID:    cycleID,
		Provider:   ps.Provider,
		Status:     ps.Status,
		Targets:    ps.Targets,
		Fetched:    ps.Fetched,
		Created:    ps.Created,
		Duplicates: ps.Duplicates,
		Enriched:   ps.Enriched,
		Reenriched: ps.Reenriched,
		Failed:     ps.Failed,
		Error:      errText,
		StartedAt:  ps.StartedAt,
		FinishedAt: ps.FinishedAt,
	}
}

// Failed reports whether any provider ended in StatusFailed.
func (s Summary) Failed() bool {
	for _, ps := range s.Providers {
		if ps.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Created totals new events across providers.
func (s Summary) Created() int {
	n := 0
	for _, ps := range s.Providers {
		n += ps.Created
	}
	return n
}
