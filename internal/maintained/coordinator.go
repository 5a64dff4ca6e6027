package maintained

import (
	"fmt"
	"strings"

	"tracebase/pkg/domain"
)

// Mode controls when maintained-field recomputation happens for saves made
// while a coordinator is active.
type Mode string

// Coordinator modes.
const (
	// ModeAlways recomputes and propagates synchronously on every save.
	ModeAlways Mode = "always"
	// ModeLazy defers recomputation to the next read of each record.
	ModeLazy Mode = "lazy"
	// ModeDeferred buffers saved records for a later bulk pass.
	ModeDeferred Mode = "deferred"
	// ModeDisabled neither recomputes nor buffers.
	ModeDisabled Mode = "disabled"
)

func validMode(m Mode) bool {
	switch m {
	case ModeAlways, ModeLazy, ModeDeferred, ModeDisabled:
		return true
	}
	return false
}

// Coordinator controls whether and when maintained-field updates run for the
// saves made under it. Coordinators are created per logical unit of work,
// pushed onto a context-carried stack, and are not safe for concurrent
// mutation: share one across goroutines only by explicit hand-off.
type Coordinator struct {
	mode     Mode
	labels   []string
	filterIn bool
	buffer   []bufferEntry
	buffered map[string]struct{}
}

type bufferEntry struct {
	entity   domain.Entity
	labels   []string
	filterIn bool
}

func (e bufferEntry) key() string {
	return fmt.Sprintf("%s|%s|%s|%t", e.entity.EntityKind(), e.entity.EntityID(), strings.Join(e.labels, ","), e.filterIn)
}

// CoordinatorOption configures a coordinator at construction.
type CoordinatorOption func(*Coordinator)

// WithLabelFilters sets the coordinator's default label filter context,
// applied to every entry it buffers. filterIn selects inclusive (only the
// named labels fire) or exclusive (everything but the named labels) matching.
func WithLabelFilters(labels []string, filterIn bool) CoordinatorOption {
	return func(c *Coordinator) {
		c.labels = append([]string(nil), labels...)
		c.filterIn = filterIn
	}
}

// NewCoordinator constructs a coordinator in the given mode.
func NewCoordinator(mode Mode, opts ...CoordinatorOption) (*Coordinator, error) {
	if !validMode(mode) {
		return nil, InvalidModeError{Mode: mode}
	}
	c := &Coordinator{
		mode:     mode,
		filterIn: true,
		buffered: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mode returns the coordinator's mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// LabelFilters returns the coordinator's default label filter context.
func (c *Coordinator) LabelFilters() ([]string, bool) {
	return append([]string(nil), c.labels...), c.filterIn
}

// BufferUpdate appends an entity to the update buffer with the given label
// filter context. Re-buffering the same record with identical filters is a
// no-op; the dedup key is (kind, id, labels, filterIn), never object identity.
func (c *Coordinator) BufferUpdate(e domain.Entity, labels []string, filterIn bool) {
	entry := bufferEntry{entity: e, labels: append([]string(nil), labels...), filterIn: filterIn}
	if _, ok := c.buffered[entry.key()]; ok {
		return
	}
	c.buffered[entry.key()] = struct{}{}
	c.buffer = append(c.buffer, entry)
}

// bufferDefaults buffers an entity under the coordinator's own filter context.
func (c *Coordinator) bufferDefaults(e domain.Entity) {
	c.BufferUpdate(e, c.labels, c.filterIn)
}

// BufferSize reports how many buffered entries match the optional generation
// and label filters. A nil generation matches every generation.
func (c *Coordinator) BufferSize(reg *Registry, generation *int, labels []string) int {
	count := 0
	for _, entry := range c.buffer {
		if generation != nil && reg.MaxGeneration(entry.entity.EntityKind()) != *generation {
			continue
		}
		if !entryMatchesLabels(reg, entry, labels) {
			continue
		}
		count++
	}
	return count
}

// ClearBuffer removes buffered entries matching the optional generation and
// label filters. It returns the number of entries removed and the number of
// remaining entries with a generation deeper than the one cleared — a
// non-zero remainder means the leaf-first drain order was violated and the
// caller should treat the buffer as suspect.
func (c *Coordinator) ClearBuffer(reg *Registry, generation *int, labels []string) (removed, deeperRemaining int) {
	kept := c.buffer[:0]
	for _, entry := range c.buffer {
		gen := reg.MaxGeneration(entry.entity.EntityKind())
		match := (generation == nil || gen == *generation) && entryMatchesLabels(reg, entry, labels)
		if match {
			removed++
			delete(c.buffered, entry.key())
			continue
		}
		if generation != nil && gen > *generation {
			deeperRemaining++
		}
		kept = append(kept, entry)
	}
	c.buffer = kept
	return removed, deeperRemaining
}

// selectUpdaters filters a kind's updaters by an entry's label context.
func selectUpdaters(updaters []Updater, labels []string, filterIn bool) []Updater {
	if len(labels) == 0 {
		return updaters
	}
	named := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		named[l] = struct{}{}
	}
	out := make([]Updater, 0, len(updaters))
	for _, u := range updaters {
		_, listed := named[u.Label]
		if listed == filterIn {
			out = append(out, u)
		}
	}
	return out
}

// entryMatchesLabels reports whether a buffered entry has at least one
// effective updater firing for the drain-time label filter. An empty drain
// filter matches everything.
func entryMatchesLabels(reg *Registry, entry bufferEntry, drainLabels []string) bool {
	if len(drainLabels) == 0 {
		return true
	}
	named := make(map[string]struct{}, len(drainLabels))
	for _, l := range drainLabels {
		named[l] = struct{}{}
	}
	effective := selectUpdaters(reg.Updaters(entry.entity.EntityKind()), entry.labels, entry.filterIn)
	for _, u := range effective {
		if _, ok := named[u.Label]; ok {
			return true
		}
	}
	return false
}
