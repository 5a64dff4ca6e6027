package maintained

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"tracebase/pkg/domain"
)

func TestAlwaysModeRecomputesAndPropagates(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "beta", "alpha")

	saved, _ := tx.Get(kindItem, "c1-i0")
	if err := engine.OnSave(context.Background(), tx, saved); err != nil {
		t.Fatalf("OnSave: %v", err)
	}

	got, _ := tx.Get(kindItem, "c1-i0")
	if got.(*item).Display != "BETA" {
		t.Fatalf("item display = %q, want BETA", got.(*item).Display)
	}
	parent, _ := tx.Get(kindCrate, "c1")
	if parent.(*crate).Label != "alpha+beta" {
		t.Fatalf("crate label = %q, want alpha+beta", parent.(*crate).Label)
	}
}

// One save over the crate↔item back-reference cycle must recompute every
// reachable record exactly once, not merely terminate.
func TestAlwaysModeRecomputesEachRecordExactlyOnce(t *testing.T) {
	schemas := fixtureSchemas()
	base := fixtureRegistry(schemas)
	reg := NewRegistry(schemas)
	calls := make(map[string]int)
	for _, kind := range []domain.Kind{kindCrate, kindItem} {
		for _, u := range base.Updaters(kind) {
			u := u
			inner := u.Compute
			u.Compute = func(view domain.View, e domain.Entity) (any, error) {
				calls[u.Name+"/"+e.EntityID()]++
				return inner(view, e)
			}
			if err := reg.Register(kind, u); err != nil {
				t.Fatalf("register %s: %v", u.Name, err)
			}
		}
	}
	engine := NewEngine(schemas, reg)
	tx := newFakeTx()
	seedCrateWithItems(tx, "c1", "beta", "alpha")

	saved, _ := tx.Get(kindItem, "c1-i0")
	if err := engine.OnSave(context.Background(), tx, saved); err != nil {
		t.Fatalf("OnSave: %v", err)
	}

	want := map[string]int{
		"item_display/c1-i0": 1,
		"item_tag/c1-i0":     1,
		"crate_label/c1":     1,
		"item_display/c1-i1": 1,
		"item_tag/c1-i1":     1,
	}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("compute invocations = %v, want %v", calls, want)
	}
}

func TestAlwaysModePropagatesToChildren(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "one", "two")

	root, _ := tx.Get(kindCrate, "c1")
	if err := engine.OnSave(context.Background(), tx, root); err != nil {
		t.Fatalf("OnSave: %v", err)
	}
	for _, id := range []string{"c1-i0", "c1-i1"} {
		got, _ := tx.Get(kindItem, id)
		if got.(*item).Display == "" {
			t.Fatalf("item %s display not recomputed on root save", id)
		}
	}
}

func TestDeferredModeBuffersWithoutWriting(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "alpha")

	c, err := NewCoordinator(ModeDeferred)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	ctx, release := engine.Push(context.Background(), c)

	saved, _ := tx.Get(kindItem, "c1-i0")
	if err := engine.OnSave(ctx, tx, saved); err != nil {
		t.Fatalf("OnSave: %v", err)
	}
	got, _ := tx.Get(kindItem, "c1-i0")
	if got.(*item).Display != "" {
		t.Fatalf("deferred mode must not recompute on save")
	}
	if n := c.BufferSize(engine.Registry(), nil, nil); n != 1 {
		t.Fatalf("buffer size = %d, want 1", n)
	}

	if err := engine.PerformBufferedUpdates(ctx, tx, c, nil); err != nil {
		t.Fatalf("PerformBufferedUpdates: %v", err)
	}
	got, _ = tx.Get(kindItem, "c1-i0")
	if got.(*item).Display != "ALPHA" {
		t.Fatalf("item display after drain = %q, want ALPHA", got.(*item).Display)
	}
	parent, _ := tx.Get(kindCrate, "c1")
	if parent.(*crate).Label != "alpha" {
		t.Fatalf("crate label after drain = %q, want alpha", parent.(*crate).Label)
	}
	if n := c.BufferSize(engine.Registry(), nil, nil); n != 0 {
		t.Fatalf("buffer not emptied after drain: %d entries", n)
	}
	// Coordinator with an empty buffer releases without a drain scope.
	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestLazyAndDisabledModesDoNothingOnSave(t *testing.T) {
	for _, mode := range []Mode{ModeLazy, ModeDisabled} {
		engine, tx := fixtureEngine()
		seedCrateWithItems(tx, "c1", "alpha")
		c, _ := NewCoordinator(mode)
		ctx, _ := engine.Push(context.Background(), c)

		saved, _ := tx.Get(kindItem, "c1-i0")
		if err := engine.OnSave(ctx, tx, saved); err != nil {
			t.Fatalf("OnSave in %s mode: %v", mode, err)
		}
		got, _ := tx.Get(kindItem, "c1-i0")
		if got.(*item).Display != "" {
			t.Fatalf("%s mode recomputed on save", mode)
		}
	}
}

func TestReleaseDrainsDeferredBuffer(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "alpha")
	engine.SetDrainFunc(func(_ context.Context, fn func(domain.Mutator) error) error {
		return fn(tx)
	})

	c, _ := NewCoordinator(ModeDeferred)
	ctx, release := engine.Push(context.Background(), c)
	saved, _ := tx.Get(kindItem, "c1-i0")
	if err := engine.OnSave(ctx, tx, saved); err != nil {
		t.Fatalf("OnSave: %v", err)
	}
	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := tx.Get(kindItem, "c1-i0")
	if got.(*item).Display != "ALPHA" {
		t.Fatalf("release did not drain the buffer")
	}
}

func TestReleaseHandsBufferToDeferredAncestor(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "alpha")

	outer, _ := NewCoordinator(ModeDeferred)
	ctx, _ := engine.Push(context.Background(), outer)
	inner, _ := NewCoordinator(ModeDeferred)
	ctx, releaseInner := engine.Push(ctx, inner)

	saved, _ := tx.Get(kindItem, "c1-i0")
	if err := engine.OnSave(ctx, tx, saved); err != nil {
		t.Fatalf("OnSave: %v", err)
	}
	if err := releaseInner(context.Background()); err != nil {
		t.Fatalf("release inner: %v", err)
	}
	// Handed upward, not drained.
	got, _ := tx.Get(kindItem, "c1-i0")
	if got.(*item).Display != "" {
		t.Fatalf("inner release must not drain under a deferred ancestor")
	}
	if n := outer.BufferSize(engine.Registry(), nil, nil); n != 1 {
		t.Fatalf("outer buffer = %d entries, want 1", n)
	}
}

func TestOnDeletePropagatesToParents(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "alpha", "beta")

	deleted, _ := tx.Get(kindItem, "c1-i1")
	if err := tx.Remove(kindItem, "c1-i1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := engine.OnDelete(context.Background(), tx, deleted); err != nil {
		t.Fatalf("OnDelete: %v", err)
	}
	parent, _ := tx.Get(kindCrate, "c1")
	if parent.(*crate).Label != "alpha" {
		t.Fatalf("crate label after delete = %q, want alpha", parent.(*crate).Label)
	}
}

func TestCheckSettable(t *testing.T) {
	engine, _ := fixtureEngine()

	// Create with a maintained field set is rejected.
	err := engine.CheckSettable(nil, &item{Code: "x", Display: "X"})
	var notSettable NotSettableError
	if !errors.As(err, &notSettable) {
		t.Fatalf("expected NotSettableError, got %v", err)
	}

	// Create with zero maintained fields passes.
	if err := engine.CheckSettable(nil, &item{Code: "x"}); err != nil {
		t.Fatalf("CheckSettable on clean create: %v", err)
	}

	// Update keeping the stored maintained value passes; changing it fails.
	existing := &item{Base: domain.Base{ID: "i"}, Code: "x", Display: "X"}
	if err := engine.CheckSettable(existing, &item{Base: domain.Base{ID: "i"}, Code: "y", Display: "X"}); err != nil {
		t.Fatalf("CheckSettable on clean update: %v", err)
	}
	if err := engine.CheckSettable(existing, &item{Base: domain.Base{ID: "i"}, Code: "y", Display: "Y"}); !errors.As(err, &notSettable) {
		t.Fatalf("expected NotSettableError on changed maintained field, got %v", err)
	}
}

func TestPerformBufferedUpdatesFailureKeepsRemainingBuffer(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "alpha")
	seedCrateWithItems(tx, "c2", "beta")

	c, _ := NewCoordinator(ModeDeferred)
	for _, id := range []string{"c1-i0", "c2-i0"} {
		ent, _ := tx.Get(kindItem, id)
		c.BufferUpdate(ent, nil, true)
	}

	tx.failPut = func(ent domain.Entity) error {
		if ent.EntityKind() == kindCrate && ent.EntityID() == "c1" {
			return errors.New("boom")
		}
		return nil
	}
	err := engine.PerformBufferedUpdates(context.Background(), tx, c, nil)
	var failed AutoUpdateFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected AutoUpdateFailedError, got %v", err)
	}
	// The failing entry and everything after it stays buffered.
	if n := c.BufferSize(engine.Registry(), nil, nil); n != 2 {
		t.Fatalf("buffer after failure = %d entries, want 2", n)
	}
}

func TestPerformBufferedUpdatesConflictIsLikelyStale(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "alpha")

	c, _ := NewCoordinator(ModeDeferred)
	ent, _ := tx.Get(kindItem, "c1-i0")
	c.BufferUpdate(ent, nil, true)

	tx.failPut = func(ent domain.Entity) error {
		return domain.StoreError{Kind: domain.ErrKindConflict, Entity: ent.EntityKind(), ID: ent.EntityID(), Msg: "duplicate"}
	}
	err := engine.PerformBufferedUpdates(context.Background(), tx, c, nil)
	var stale LikelyStaleBufferError
	if !errors.As(err, &stale) {
		t.Fatalf("expected LikelyStaleBufferError, got %v", err)
	}
}

func TestPerformBufferedUpdatesSkipsDeletedAndVisited(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "alpha", "beta")

	c, _ := NewCoordinator(ModeDeferred)
	for _, id := range []string{"c1-i0", "c1-i1"} {
		ent, _ := tx.Get(kindItem, id)
		c.BufferUpdate(ent, nil, true)
	}
	// Deleted since buffering: the drain must skip it instead of failing.
	if err := tx.Remove(kindItem, "c1-i1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if err := engine.PerformBufferedUpdates(context.Background(), tx, c, nil); err != nil {
		t.Fatalf("PerformBufferedUpdates: %v", err)
	}
	parent, _ := tx.Get(kindCrate, "c1")
	if parent.(*crate).Label != "alpha" {
		t.Fatalf("crate label = %q, want alpha", parent.(*crate).Label)
	}
}

// A drain-time label filter selects which buffered entries drain: entries
// with no effective updater under the filter stay buffered untouched.
func TestPerformBufferedUpdatesDrainsOnlyMatchingLabels(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "alpha")

	c, _ := NewCoordinator(ModeDeferred)
	root, _ := tx.Get(kindCrate, "c1")
	c.BufferUpdate(root, nil, true)

	// Crates only carry "naming" updaters; an audit-only drain must not touch
	// the entry.
	if err := engine.PerformBufferedUpdates(context.Background(), tx, c, []string{"audit"}); err != nil {
		t.Fatalf("PerformBufferedUpdates(audit): %v", err)
	}
	if n := c.BufferSize(engine.Registry(), nil, nil); n != 1 {
		t.Fatalf("buffer after mismatched drain = %d, want 1", n)
	}
	got, _ := tx.Get(kindCrate, "c1")
	if got.(*crate).Label != "" {
		t.Fatalf("mismatched drain recomputed the crate: label = %q", got.(*crate).Label)
	}

	if err := engine.PerformBufferedUpdates(context.Background(), tx, c, []string{"naming"}); err != nil {
		t.Fatalf("PerformBufferedUpdates(naming): %v", err)
	}
	if n := c.BufferSize(engine.Registry(), nil, nil); n != 0 {
		t.Fatalf("buffer after matching drain = %d, want 0", n)
	}
	got, _ = tx.Get(kindCrate, "c1")
	if got.(*crate).Label != "alpha" {
		t.Fatalf("crate label = %q, want alpha", got.(*crate).Label)
	}
}

func TestMassUpdateExclusionGuard(t *testing.T) {
	engine, tx := fixtureEngine()
	c, _ := NewCoordinator(ModeDeferred)

	engine.massActive.Store(true)
	err := engine.PerformBufferedUpdates(context.Background(), tx, c, nil)
	var stale StaleModeError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleModeError, got %v", err)
	}
	engine.massActive.Store(false)
}

func TestTxInvalidDowngradedToSkip(t *testing.T) {
	engine, tx := fixtureEngine()
	seedCrateWithItems(tx, "c1", "alpha")
	tx.failPut = func(ent domain.Entity) error {
		return domain.StoreError{Kind: domain.ErrKindTxInvalid, Entity: ent.EntityKind(), ID: ent.EntityID(), Msg: "tx closed"}
	}

	saved, _ := tx.Get(kindItem, "c1-i0")
	if err := engine.OnSave(context.Background(), tx, saved); err != nil {
		t.Fatalf("tx-invalid store errors must be skipped, got %v", err)
	}
}

func TestCurrentFallsBackToAlwaysDefault(t *testing.T) {
	engine, _ := fixtureEngine()
	if mode := engine.Current(context.Background()).Mode(); mode != ModeAlways {
		t.Fatalf("default coordinator mode = %s, want always", mode)
	}
}

// Coordinators ride the context, so concurrent units of work see only their
// own stack; a push in one goroutine never leaks into another.
func TestCoordinatorStacksAreGoroutineIsolated(t *testing.T) {
	engine, _ := fixtureEngine()
	base := context.Background()

	modes := []Mode{ModeDeferred, ModeDisabled, ModeLazy}
	seen := make([]Mode, len(modes))
	var wg sync.WaitGroup
	for i, mode := range modes {
		i, mode := i, mode
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := NewCoordinator(mode)
			if err != nil {
				t.Errorf("NewCoordinator(%s): %v", mode, err)
				return
			}
			ctx, release := engine.Push(base, c)
			defer release(ctx)
			seen[i] = engine.Current(ctx).Mode()
		}()
	}
	wg.Wait()

	for i, mode := range modes {
		if seen[i] != mode {
			t.Fatalf("goroutine %d saw mode %s, want %s", i, seen[i], mode)
		}
	}
	if mode := engine.Current(base).Mode(); mode != ModeAlways {
		t.Fatalf("base context mode = %s, want the shared always default", mode)
	}
}
