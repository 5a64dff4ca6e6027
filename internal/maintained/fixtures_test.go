package maintained

import (
	"fmt"
	"sort"
	"strings"

	"tracebase/pkg/domain"
)

// Test fixture: a two-level hierarchy of crates and items. A crate's label is
// derived from its items' codes; an item's display and tag are derived from
// its own code under two different update labels.

const (
	kindCrate domain.Kind = "crate"
	kindItem  domain.Kind = "item"
)

type crate struct {
	domain.Base
	Label string
}

func (*crate) EntityKind() domain.Kind { return kindCrate }
func (c *crate) CloneEntity() domain.Entity {
	cp := *c
	return &cp
}

type item struct {
	domain.Base
	CrateID string
	Code    string
	Display string
	Tag     string
}

func (*item) EntityKind() domain.Kind { return kindItem }
func (i *item) CloneEntity() domain.Entity {
	cp := *i
	return &cp
}

func fixtureSchemas() *domain.SchemaSet {
	schemas := domain.NewSchemaSet()
	crateSchema := &domain.Schema{
		Kind:       kindCrate,
		New:        func() domain.Entity { return &crate{} },
		Maintained: true,
		Children:   []string{"items"},
		Fields: map[string]domain.FieldSpec{
			"label": {
				Name: "label", Maintained: true,
				Get: func(e domain.Entity) any { return e.(*crate).Label },
				Set: func(e domain.Entity, v any) error {
					e.(*crate).Label = v.(string)
					return nil
				},
			},
		},
		Relations: map[string]domain.RelationSpec{
			"items": {
				Name: "items", Kind: domain.OneToMany, Target: kindItem,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					var out []domain.Entity
					for _, ent := range view.List(kindItem) {
						if ent.(*item).CrateID == e.EntityID() {
							out = append(out, ent)
						}
					}
					return out, nil
				},
			},
		},
	}
	itemSchema := &domain.Schema{
		Kind:       kindItem,
		New:        func() domain.Entity { return &item{} },
		Maintained: true,
		Parent:     "crate",
		Fields: map[string]domain.FieldSpec{
			"code": {
				Name: "code",
				Get:  func(e domain.Entity) any { return e.(*item).Code },
				Set: func(e domain.Entity, v any) error {
					e.(*item).Code = v.(string)
					return nil
				},
			},
			"display": {
				Name: "display", Maintained: true,
				Get: func(e domain.Entity) any { return e.(*item).Display },
				Set: func(e domain.Entity, v any) error {
					e.(*item).Display = v.(string)
					return nil
				},
			},
			"tag": {
				Name: "tag", Maintained: true,
				Get: func(e domain.Entity) any { return e.(*item).Tag },
				Set: func(e domain.Entity, v any) error {
					e.(*item).Tag = v.(string)
					return nil
				},
			},
		},
		Relations: map[string]domain.RelationSpec{
			"crate": {
				Name: "crate", Kind: domain.ManyToOne, Target: kindCrate,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					parent, ok := view.Get(kindCrate, e.(*item).CrateID)
					if !ok {
						return nil, nil
					}
					return []domain.Entity{parent}, nil
				},
			},
		},
	}
	if err := schemas.Register(crateSchema); err != nil {
		panic(err)
	}
	if err := schemas.Register(itemSchema); err != nil {
		panic(err)
	}
	return schemas
}

func fixtureRegistry(schemas *domain.SchemaSet) *Registry {
	reg := NewRegistry(schemas)
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(reg.Register(kindCrate, Updater{
		Name: "crate_label", Field: "label", Label: "naming",
		Generation: 0, ChildRelations: []string{"items"},
		Compute: func(view domain.View, e domain.Entity) (any, error) {
			var codes []string
			for _, ent := range view.List(kindItem) {
				if ent.(*item).CrateID == e.EntityID() {
					codes = append(codes, ent.(*item).Code)
				}
			}
			sort.Strings(codes)
			return strings.Join(codes, "+"), nil
		},
	}))
	must(reg.Register(kindItem, Updater{
		Name: "item_display", Field: "display", Label: "naming",
		Generation: 1, ParentRelation: "crate",
		Compute: func(_ domain.View, e domain.Entity) (any, error) {
			return strings.ToUpper(e.(*item).Code), nil
		},
	}))
	must(reg.Register(kindItem, Updater{
		Name: "item_tag", Field: "tag", Label: "audit",
		Generation: 1, ParentRelation: "crate",
		Compute: func(_ domain.View, e domain.Entity) (any, error) {
			return "t:" + e.(*item).Code, nil
		},
	}))
	return reg
}

// fakeTx is an in-memory Mutator with optional put-failure injection.
type fakeTx struct {
	state   map[domain.Kind]map[string]domain.Entity
	failPut func(domain.Entity) error
}

func newFakeTx() *fakeTx {
	return &fakeTx{state: map[domain.Kind]map[string]domain.Entity{
		kindCrate: {},
		kindItem:  {},
	}}
}

func (f *fakeTx) Get(kind domain.Kind, id string) (domain.Entity, bool) {
	ent, ok := f.state[kind][id]
	if !ok {
		return nil, false
	}
	return ent.CloneEntity(), true
}

func (f *fakeTx) List(kind domain.Kind) []domain.Entity {
	out := make([]domain.Entity, 0, len(f.state[kind]))
	for _, ent := range f.state[kind] {
		out = append(out, ent.CloneEntity())
	}
	return out
}

func (f *fakeTx) Put(ent domain.Entity) error {
	if f.failPut != nil {
		if err := f.failPut(ent); err != nil {
			return err
		}
	}
	bucket, ok := f.state[ent.EntityKind()]
	if !ok {
		return fmt.Errorf("unknown kind %s", ent.EntityKind())
	}
	bucket[ent.EntityID()] = ent.CloneEntity()
	return nil
}

func (f *fakeTx) Remove(kind domain.Kind, id string) error {
	delete(f.state[kind], id)
	return nil
}

func fixtureEngine() (*Engine, *fakeTx) {
	schemas := fixtureSchemas()
	return NewEngine(schemas, fixtureRegistry(schemas)), newFakeTx()
}

func seedCrateWithItems(tx *fakeTx, crateID string, codes ...string) {
	_ = tx.Put(&crate{Base: domain.Base{ID: crateID}})
	for n, code := range codes {
		_ = tx.Put(&item{Base: domain.Base{ID: fmt.Sprintf("%s-i%d", crateID, n)}, CrateID: crateID, Code: code})
	}
}
