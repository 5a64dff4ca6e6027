package maintained

import (
	"errors"
	"testing"

	"tracebase/pkg/domain"
)

func TestNewCoordinatorRejectsUnknownMode(t *testing.T) {
	_, err := NewCoordinator(Mode("sometimes"))
	var invalid InvalidModeError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidModeError, got %v", err)
	}
}

func TestBufferUpdateDedup(t *testing.T) {
	c, _ := NewCoordinator(ModeDeferred)
	ent := &item{Base: domain.Base{ID: "i1"}, Code: "a"}

	c.BufferUpdate(ent, nil, true)
	c.BufferUpdate(ent, nil, true)
	if len(c.buffer) != 1 {
		t.Fatalf("identical entries must dedup, got %d", len(c.buffer))
	}

	// A different label filter context is a distinct entry.
	c.BufferUpdate(ent, []string{"naming"}, true)
	if len(c.buffer) != 2 {
		t.Fatalf("distinct filter contexts must not dedup, got %d", len(c.buffer))
	}
	// Same labels with flipped polarity is also distinct.
	c.BufferUpdate(ent, []string{"naming"}, false)
	if len(c.buffer) != 3 {
		t.Fatalf("flipped filterIn must not dedup, got %d", len(c.buffer))
	}

	// A stale clone of the same record dedups by identity key, not pointer.
	clone := ent.CloneEntity()
	c.BufferUpdate(clone, nil, true)
	if len(c.buffer) != 3 {
		t.Fatalf("clone of buffered record must dedup, got %d", len(c.buffer))
	}
}

func TestBufferSizeFilters(t *testing.T) {
	schemas := fixtureSchemas()
	reg := fixtureRegistry(schemas)
	c, _ := NewCoordinator(ModeDeferred)

	c.BufferUpdate(&crate{Base: domain.Base{ID: "c1"}}, nil, true)
	c.BufferUpdate(&item{Base: domain.Base{ID: "i1"}}, nil, true)
	c.BufferUpdate(&item{Base: domain.Base{ID: "i2"}}, nil, true)

	if n := c.BufferSize(reg, nil, nil); n != 3 {
		t.Fatalf("unfiltered size = %d, want 3", n)
	}
	gen1 := 1
	if n := c.BufferSize(reg, &gen1, nil); n != 2 {
		t.Fatalf("generation-1 size = %d, want 2", n)
	}
	gen0 := 0
	if n := c.BufferSize(reg, &gen0, nil); n != 1 {
		t.Fatalf("generation-0 size = %d, want 1", n)
	}
	if n := c.BufferSize(reg, nil, []string{"audit"}); n != 2 {
		t.Fatalf("audit-labeled size = %d, want 2 (items only)", n)
	}
}

func TestClearBufferReportsDeeperRemaining(t *testing.T) {
	schemas := fixtureSchemas()
	reg := fixtureRegistry(schemas)
	c, _ := NewCoordinator(ModeDeferred)

	c.BufferUpdate(&crate{Base: domain.Base{ID: "c1"}}, nil, true)
	c.BufferUpdate(&item{Base: domain.Base{ID: "i1"}}, nil, true)

	// Clearing the root generation while deeper entries remain violates the
	// leaf-first drain order.
	gen0 := 0
	removed, deeper := c.ClearBuffer(reg, &gen0, nil)
	if removed != 1 || deeper != 1 {
		t.Fatalf("ClearBuffer = (%d removed, %d deeper), want (1, 1)", removed, deeper)
	}
	if len(c.buffer) != 1 {
		t.Fatalf("buffer after clear = %d entries, want 1", len(c.buffer))
	}

	// A cleared entry can be re-buffered.
	c.BufferUpdate(&crate{Base: domain.Base{ID: "c1"}}, nil, true)
	if len(c.buffer) != 2 {
		t.Fatalf("re-buffer after clear failed")
	}
}

func TestSelectUpdatersFilterSemantics(t *testing.T) {
	schemas := fixtureSchemas()
	reg := fixtureRegistry(schemas)
	updaters := reg.Updaters(kindItem)

	names := func(us []Updater) []string {
		out := make([]string, len(us))
		for i, u := range us {
			out[i] = u.Name
		}
		return out
	}

	// Empty filter selects everything.
	if got := selectUpdaters(updaters, nil, true); len(got) != 2 {
		t.Fatalf("empty filter selected %v", names(got))
	}
	// Inclusive: only the named labels fire.
	got := selectUpdaters(updaters, []string{"naming"}, true)
	if len(got) != 1 || got[0].Name != "item_display" {
		t.Fatalf("inclusive filter selected %v", names(got))
	}
	// Exclusive: everything but the named labels.
	got = selectUpdaters(updaters, []string{"naming"}, false)
	if len(got) != 1 || got[0].Name != "item_tag" {
		t.Fatalf("exclusive filter selected %v", names(got))
	}
}

func TestWithLabelFiltersAppliesToBufferedDefaults(t *testing.T) {
	c, _ := NewCoordinator(ModeDeferred, WithLabelFilters([]string{"naming"}, true))
	c.bufferDefaults(&item{Base: domain.Base{ID: "i1"}})
	if len(c.buffer) != 1 {
		t.Fatalf("bufferDefaults did not buffer")
	}
	entry := c.buffer[0]
	if len(entry.labels) != 1 || entry.labels[0] != "naming" || !entry.filterIn {
		t.Fatalf("buffered entry did not inherit coordinator filters: %+v", entry)
	}
	labels, filterIn := c.LabelFilters()
	if len(labels) != 1 || labels[0] != "naming" || !filterIn {
		t.Fatalf("LabelFilters = (%v, %v)", labels, filterIn)
	}
}
