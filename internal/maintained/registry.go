package maintained

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"tracebase/pkg/domain"
)

// ComputeFunc produces the value of one maintained field from already
// persisted, non-maintained data. Implementations must be pure functions of
// the view: reading other maintained fields of the same or shallower
// generation makes results order-dependent and is a caller obligation to
// avoid, not something the engine enforces.
type ComputeFunc func(view domain.View, e domain.Entity) (any, error)

// Updater describes one maintained field of an entity kind, or a pass-through
// propagation hop when Field is empty and Compute is nil.
type Updater struct {
	// Name identifies the updater in diagnostics.
	Name string
	// Field is the maintained field the updater produces; empty for
	// pass-through updaters that only declare propagation routes.
	Field string
	// Label groups updaters for selective buffering and draining.
	Label string
	// Generation is the leaf-ward distance from the hierarchy root. Zero is
	// reserved for roots (no parent relation).
	Generation int
	// ParentRelation names the relation propagation follows toward the root.
	ParentRelation string
	// ChildRelations name the relations propagation follows away from it.
	ChildRelations []string
	// Compute produces the field value. Nil for pass-through updaters.
	Compute ComputeFunc
}

func (u Updater) signature(kind domain.Kind) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s|%s",
		kind, u.Name, u.Field, u.Label, u.Generation, u.ParentRelation, strings.Join(u.ChildRelations, ","))
}

// Registry records the updater descriptors declared per entity kind. It is
// populated by explicit registration calls during startup and read-only
// afterwards; descriptor signatures are validated lazily and exactly once.
type Registry struct {
	schemas  *domain.SchemaSet
	updaters map[domain.Kind][]Updater

	mu        sync.Mutex
	validated map[string]struct{}
	checked   map[domain.Kind]struct{}
}

// NewRegistry constructs a registry bound to the schema set used for
// descriptor validation.
func NewRegistry(schemas *domain.SchemaSet) *Registry {
	return &Registry{
		schemas:   schemas,
		updaters:  make(map[domain.Kind][]Updater),
		validated: make(map[string]struct{}),
		checked:   make(map[domain.Kind]struct{}),
	}
}

// Register appends an updater descriptor for a kind. The root-generation rule
// (generation zero iff no parent relation) is enforced eagerly; field and
// relation names are validated lazily at first use.
func (r *Registry) Register(kind domain.Kind, u Updater) error {
	if (u.Generation == 0) != (u.ParentRelation == "") {
		return InvalidRootGenerationError{Kind: kind, Updater: u.Name, Generation: u.Generation, Parent: u.ParentRelation}
	}
	if u.Generation < 0 {
		return InvalidRootGenerationError{Kind: kind, Updater: u.Name, Generation: u.Generation, Parent: u.ParentRelation}
	}
	r.updaters[kind] = append(r.updaters[kind], u)
	return nil
}

// Updaters returns the descriptors registered for a kind, in registration order.
func (r *Registry) Updaters(kind domain.Kind) []Updater {
	return r.updaters[kind]
}

// Labels returns the distinct update labels declared for a kind.
func (r *Registry) Labels(kind domain.Kind) []string {
	seen := make(map[string]struct{})
	for _, u := range r.updaters[kind] {
		if u.Label != "" {
			seen[u.Label] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// MaxGeneration returns the deepest generation among a kind's updaters. It
// orders buffered entries for leaf-first draining.
func (r *Registry) MaxGeneration(kind domain.Kind) int {
	max := 0
	for _, u := range r.updaters[kind] {
		if u.Generation > max {
			max = u.Generation
		}
	}
	return max
}

// EnsureValidated runs the lazy configuration checks for a kind: the
// no-updaters check for maintained kinds, and field/relation existence for
// every descriptor. Each unique descriptor signature is validated once per
// process regardless of how many records pass through the engine.
func (r *Registry) EnsureValidated(kind domain.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc, ok := r.schemas.Lookup(kind)
	if !ok {
		return fmt.Errorf("no schema registered for kind %s", kind)
	}
	if _, done := r.checked[kind]; !done {
		if sc.Maintained && len(r.updaters[kind]) == 0 {
			return NoMaintainedFunctionsError{Kind: kind}
		}
		r.checked[kind] = struct{}{}
	}

	for _, u := range r.updaters[kind] {
		sig := u.signature(kind)
		if _, done := r.validated[sig]; done {
			continue
		}
		var bad []string
		if u.Field != "" {
			if f, ok := sc.Field(u.Field); !ok || !f.Maintained {
				bad = append(bad, u.Field)
			}
		}
		if u.ParentRelation != "" {
			if _, ok := sc.Relation(u.ParentRelation); !ok {
				bad = append(bad, u.ParentRelation)
			}
		}
		for _, child := range u.ChildRelations {
			if _, ok := sc.Relation(child); !ok {
				bad = append(bad, child)
			}
		}
		if len(bad) > 0 {
			return BadModelFieldsError{Kind: kind, Updater: u.Name, Fields: bad}
		}
		r.validated[sig] = struct{}{}
	}
	return nil
}
