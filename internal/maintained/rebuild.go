package maintained

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tracebase/pkg/domain"
)

// RebuildFilter narrows a mass rebuild to specific kinds and update labels.
// ExcludeLabels wins over Labels when both name the same label.
type RebuildFilter struct {
	Kinds         []domain.Kind
	Labels        []string
	ExcludeLabels []string
}

func (f RebuildFilter) matchesKind(kind domain.Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (f RebuildFilter) selectLabels() ([]string, bool) {
	if len(f.ExcludeLabels) > 0 {
		return f.ExcludeLabels, false
	}
	if len(f.Labels) > 0 {
		return f.Labels, true
	}
	return nil, true
}

// RebuildKindSummary reports the outcome of rebuilding one kind.
type RebuildKindSummary struct {
	Kind    domain.Kind `json:"kind"`
	Records int         `json:"records"`
	Errors  []string    `json:"errors,omitempty"`
}

// RebuildSummary aggregates per-kind rebuild outcomes.
type RebuildSummary struct {
	Kinds []RebuildKindSummary `json:"kinds"`
}

// Failed reports whether any kind recorded an error.
func (s RebuildSummary) Failed() bool {
	for _, k := range s.Kinds {
		if len(k.Errors) > 0 {
			return true
		}
	}
	return false
}

// RebuildMaintainedFields recomputes every maintained field for every record
// of every registered kind matching the filter. It is the out-of-band repair
// path: each record's own fields are recomputed directly with no propagation,
// so running it twice in a row is idempotent. It refuses to start while a
// mass update is already in flight.
func (e *Engine) RebuildMaintainedFields(ctx context.Context, tx domain.Mutator, filter RebuildFilter) (RebuildSummary, error) {
	if !e.massActive.CompareAndSwap(false, true) {
		return RebuildSummary{}, StaleModeError{Operation: "maintained-field rebuild"}
	}
	defer e.massActive.Store(false)

	started := time.Now()
	summary, err := e.rebuild(tx, filter)
	e.metrics.Observe("rebuild", time.Since(started), statusOf(err))
	return summary, err
}

func (e *Engine) rebuild(tx domain.Mutator, filter RebuildFilter) (RebuildSummary, error) {
	labels, filterIn := filter.selectLabels()

	kinds := e.schemas.Kinds()
	sort.Slice(kinds, func(i, j int) bool {
		// Leaf-first: deepest generation rebuilds before its ancestors so
		// computed names composed from descendants see fresh values.
		gi, gj := e.registry.MaxGeneration(kinds[i]), e.registry.MaxGeneration(kinds[j])
		if gi != gj {
			return gi > gj
		}
		return kinds[i] < kinds[j]
	})

	var summary RebuildSummary
	for _, kind := range kinds {
		if !filter.matchesKind(kind) {
			continue
		}
		if len(e.registry.Updaters(kind)) == 0 {
			continue
		}
		if err := e.registry.EnsureValidated(kind); err != nil {
			return summary, err
		}
		ks := RebuildKindSummary{Kind: kind}
		for _, ent := range tx.List(kind) {
			if err := e.RecomputeOwn(tx, ent, labels, filterIn); err != nil {
				ks.Errors = append(ks.Errors, fmt.Sprintf("%s: %v", ent.EntityID(), err))
				continue
			}
			ks.Records++
		}
		summary.Kinds = append(summary.Kinds, ks)
	}
	return summary, nil
}
