package domain

import (
	"fmt"
	"sort"
)

// RelationKind tags how a declared relation maps between entity kinds. Every
// relation traversal dispatches on this tag; there is no runtime inspection of
// returned collection shapes.
type RelationKind string

// Supported relation cardinalities.
const (
	OneToMany  RelationKind = "one_to_many"
	ManyToMany RelationKind = "many_to_many"
	ManyToOne  RelationKind = "many_to_one"
	OneToOne   RelationKind = "one_to_one"
)

// FieldSpec describes one declared field of an entity kind. Maintained fields
// carry accessor closures so the propagation engine can read and write them
// without per-kind code.
type FieldSpec struct {
	Name       string
	Maintained bool
	Get        func(Entity) any
	Set        func(Entity, any) error
}

// RelationSpec describes one declared relation of an entity kind. Resolve
// returns the related records from a read view; for ManyToOne and OneToOne
// relations the slice holds at most one element.
type RelationSpec struct {
	Name    string
	Kind    RelationKind
	Target  Kind
	Resolve func(View, Entity) ([]Entity, error)
}

// Schema is the static metadata for one entity kind: its declared fields,
// tagged relations, and its position in the cache-invalidation hierarchy.
// Parent names the single relation leading toward the hierarchy root ("" for
// roots); Children name the relations swept during invalidation. Maintained
// marks kinds that must have at least one registered updater.
type Schema struct {
	Kind       Kind
	New        func() Entity
	Fields     map[string]FieldSpec
	Relations  map[string]RelationSpec
	Parent     string
	Children   []string
	Maintained bool
	Caching    bool
}

// Field returns the named field spec.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	f, ok := s.Fields[name]
	return f, ok
}

// Relation returns the named relation spec.
func (s *Schema) Relation(name string) (RelationSpec, bool) {
	r, ok := s.Relations[name]
	return r, ok
}

// SchemaSet holds the schemas for every registered entity kind. It is
// populated once during startup registration and read-only afterwards.
type SchemaSet struct {
	schemas map[Kind]*Schema
}

// NewSchemaSet constructs an empty schema set.
func NewSchemaSet() *SchemaSet {
	return &SchemaSet{schemas: make(map[Kind]*Schema)}
}

// Register adds a schema. Re-registering a kind is a configuration error.
func (s *SchemaSet) Register(sc *Schema) error {
	if sc == nil || sc.Kind == "" {
		return fmt.Errorf("schema requires a kind")
	}
	if sc.New == nil {
		return fmt.Errorf("schema %s requires a constructor", sc.Kind)
	}
	if _, ok := s.schemas[sc.Kind]; ok {
		return fmt.Errorf("schema %s already registered", sc.Kind)
	}
	if sc.Parent != "" {
		if _, ok := sc.Relations[sc.Parent]; !ok {
			return fmt.Errorf("schema %s: parent relation %q not declared", sc.Kind, sc.Parent)
		}
	}
	for _, child := range sc.Children {
		if _, ok := sc.Relations[child]; !ok {
			return fmt.Errorf("schema %s: child relation %q not declared", sc.Kind, child)
		}
	}
	s.schemas[sc.Kind] = sc
	return nil
}

// Lookup returns the schema for a kind.
func (s *SchemaSet) Lookup(kind Kind) (*Schema, bool) {
	sc, ok := s.schemas[kind]
	return sc, ok
}

// Kinds returns every registered kind in stable order.
func (s *SchemaSet) Kinds() []Kind {
	out := make([]Kind, 0, len(s.schemas))
	for k := range s.schemas {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Related resolves a declared relation of an entity against a read view. The
// cardinality tag determines the result contract: to-one relations yield zero
// or one entity, to-many relations any number.
func (s *SchemaSet) Related(view View, e Entity, relation string) ([]Entity, error) {
	sc, ok := s.Lookup(e.EntityKind())
	if !ok {
		return nil, fmt.Errorf("no schema registered for kind %s", e.EntityKind())
	}
	rel, ok := sc.Relation(relation)
	if !ok {
		return nil, fmt.Errorf("kind %s has no relation %q", e.EntityKind(), relation)
	}
	related, err := rel.Resolve(view, e)
	if err != nil {
		return nil, fmt.Errorf("resolve %s.%s: %w", e.EntityKind(), relation, err)
	}
	switch rel.Kind {
	case ManyToOne, OneToOne:
		if len(related) > 1 {
			return nil, fmt.Errorf("relation %s.%s is to-one but resolved %d records", e.EntityKind(), relation, len(related))
		}
	case OneToMany, ManyToMany:
		// any number
	default:
		return nil, fmt.Errorf("relation %s.%s has unknown cardinality %q", e.EntityKind(), relation, rel.Kind)
	}
	return related, nil
}

// HierarchyRoot follows the declared parent chain from e to the ancestor-most
// record of its cache hierarchy. An entity with no parent relation is its own
// root. A dangling parent reference returns the deepest reachable record.
func (s *SchemaSet) HierarchyRoot(view View, e Entity) (Entity, error) {
	current := e
	for {
		sc, ok := s.Lookup(current.EntityKind())
		if !ok || sc.Parent == "" {
			return current, nil
		}
		parents, err := s.Related(view, current, sc.Parent)
		if err != nil {
			return nil, err
		}
		if len(parents) == 0 {
			return current, nil
		}
		current = parents[0]
	}
}
