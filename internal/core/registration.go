package core

import (
	"fmt"
	"time"

	"tracebase/pkg/domain"
)

// BuildSchemas registers the static schema metadata for every entity kind:
// declared fields with accessors, tagged relations with explicit resolvers,
// and the cache-hierarchy shape. It runs once during startup.
func BuildSchemas() (*domain.SchemaSet, error) {
	schemas := domain.NewSchemaSet()

	all := []*domain.Schema{
		compoundSchema(),
		tracerSchema(),
		tracerLabelSchema(),
		infusateSchema(),
		infusateTracerSchema(),
		animalSchema(),
		sampleSchema(),
		msRunSampleSchema(),
		peakGroupSchema(),
		peakDataSchema(),
	}
	for _, sc := range all {
		if err := schemas.Register(sc); err != nil {
			return nil, err
		}
	}
	return schemas, nil
}

func stringField(name string, maintained bool, get func(domain.Entity) string, set func(domain.Entity, string)) domain.FieldSpec {
	return domain.FieldSpec{
		Name:       name,
		Maintained: maintained,
		Get:        func(e domain.Entity) any { return get(e) },
		Set: func(e domain.Entity, v any) error {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("field %s requires a string, got %T", name, v)
			}
			set(e, s)
			return nil
		},
	}
}

// toOne resolves a foreign-key reference as a zero-or-one slice.
func toOne(view domain.View, kind domain.Kind, id string) ([]domain.Entity, error) {
	if id == "" {
		return nil, nil
	}
	ent, ok := view.Get(kind, id)
	if !ok {
		return nil, nil
	}
	return []domain.Entity{ent}, nil
}

// toMany scans a kind for records whose foreign key matches.
func toMany(view domain.View, kind domain.Kind, match func(domain.Entity) bool) ([]domain.Entity, error) {
	var out []domain.Entity
	for _, ent := range view.List(kind) {
		if match(ent) {
			out = append(out, ent)
		}
	}
	return out, nil
}

func compoundSchema() *domain.Schema {
	return &domain.Schema{
		Kind:   domain.KindCompound,
		New:    func() domain.Entity { return &domain.Compound{} },
		Fields: map[string]domain.FieldSpec{},
		Relations: map[string]domain.RelationSpec{
			"tracers": {
				Name: "tracers", Kind: domain.OneToMany, Target: domain.KindTracer,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toMany(view, domain.KindTracer, func(ent domain.Entity) bool {
						return ent.(*domain.Tracer).CompoundID == e.EntityID()
					})
				},
			},
		},
	}
}

func tracerSchema() *domain.Schema {
	return &domain.Schema{
		Kind:       domain.KindTracer,
		New:        func() domain.Entity { return &domain.Tracer{} },
		Maintained: true,
		Fields: map[string]domain.FieldSpec{
			"name": stringField("name", true,
				func(e domain.Entity) string { return e.(*domain.Tracer).Name },
				func(e domain.Entity, v string) { e.(*domain.Tracer).Name = v }),
		},
		Relations: map[string]domain.RelationSpec{
			"compound": {
				Name: "compound", Kind: domain.ManyToOne, Target: domain.KindCompound,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toOne(view, domain.KindCompound, e.(*domain.Tracer).CompoundID)
				},
			},
			"labels": {
				Name: "labels", Kind: domain.OneToMany, Target: domain.KindTracerLabel,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toMany(view, domain.KindTracerLabel, func(ent domain.Entity) bool {
						return ent.(*domain.TracerLabel).TracerID == e.EntityID()
					})
				},
			},
			"infusate_links": {
				Name: "infusate_links", Kind: domain.OneToMany, Target: domain.KindInfusateTracer,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toMany(view, domain.KindInfusateTracer, func(ent domain.Entity) bool {
						return ent.(*domain.InfusateTracer).TracerID == e.EntityID()
					})
				},
			},
		},
	}
}

func tracerLabelSchema() *domain.Schema {
	return &domain.Schema{
		Kind:   domain.KindTracerLabel,
		New:    func() domain.Entity { return &domain.TracerLabel{} },
		Fields: map[string]domain.FieldSpec{},
		Relations: map[string]domain.RelationSpec{
			"tracer": {
				Name: "tracer", Kind: domain.ManyToOne, Target: domain.KindTracer,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toOne(view, domain.KindTracer, e.(*domain.TracerLabel).TracerID)
				},
			},
		},
	}
}

func infusateSchema() *domain.Schema {
	return &domain.Schema{
		Kind:       domain.KindInfusate,
		New:        func() domain.Entity { return &domain.Infusate{} },
		Maintained: true,
		Fields: map[string]domain.FieldSpec{
			"name": stringField("name", true,
				func(e domain.Entity) string { return e.(*domain.Infusate).Name },
				func(e domain.Entity, v string) { e.(*domain.Infusate).Name = v }),
		},
		Relations: map[string]domain.RelationSpec{
			"tracer_links": {
				Name: "tracer_links", Kind: domain.OneToMany, Target: domain.KindInfusateTracer,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toMany(view, domain.KindInfusateTracer, func(ent domain.Entity) bool {
						return ent.(*domain.InfusateTracer).InfusateID == e.EntityID()
					})
				},
			},
		},
	}
}

func infusateTracerSchema() *domain.Schema {
	return &domain.Schema{
		Kind:   domain.KindInfusateTracer,
		New:    func() domain.Entity { return &domain.InfusateTracer{} },
		Fields: map[string]domain.FieldSpec{},
		Relations: map[string]domain.RelationSpec{
			"infusate": {
				Name: "infusate", Kind: domain.ManyToOne, Target: domain.KindInfusate,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toOne(view, domain.KindInfusate, e.(*domain.InfusateTracer).InfusateID)
				},
			},
			"tracer": {
				Name: "tracer", Kind: domain.ManyToOne, Target: domain.KindTracer,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toOne(view, domain.KindTracer, e.(*domain.InfusateTracer).TracerID)
				},
			},
		},
	}
}

func animalSchema() *domain.Schema {
	return &domain.Schema{
		Kind:       domain.KindAnimal,
		New:        func() domain.Entity { return &domain.Animal{} },
		Maintained: true,
		Caching:    true,
		Children:   []string{"samples"},
		Fields: map[string]domain.FieldSpec{
			"last_serum_sample_time": {
				Name:       "last_serum_sample_time",
				Maintained: true,
				Get:        func(e domain.Entity) any { return e.(*domain.Animal).LastSerumSampleTime },
				Set: func(e domain.Entity, v any) error {
					if v == nil {
						e.(*domain.Animal).LastSerumSampleTime = nil
						return nil
					}
					t, ok := v.(*time.Time)
					if !ok {
						return fmt.Errorf("field last_serum_sample_time requires *time.Time, got %T", v)
					}
					e.(*domain.Animal).LastSerumSampleTime = t
					return nil
				},
			},
		},
		Relations: map[string]domain.RelationSpec{
			"samples": {
				Name: "samples", Kind: domain.OneToMany, Target: domain.KindSample,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toMany(view, domain.KindSample, func(ent domain.Entity) bool {
						return ent.(*domain.Sample).AnimalID == e.EntityID()
					})
				},
			},
			"infusate": {
				Name: "infusate", Kind: domain.ManyToOne, Target: domain.KindInfusate,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					a := e.(*domain.Animal)
					if a.InfusateID == nil {
						return nil, nil
					}
					return toOne(view, domain.KindInfusate, *a.InfusateID)
				},
			},
		},
	}
}

func sampleSchema() *domain.Schema {
	return &domain.Schema{
		Kind:       domain.KindSample,
		New:        func() domain.Entity { return &domain.Sample{} },
		Maintained: true,
		Caching:    true,
		Parent:     "animal",
		Children:   []string{"msrun_samples"},
		Fields: map[string]domain.FieldSpec{
			"is_serum_sample": {
				Name:       "is_serum_sample",
				Maintained: true,
				Get:        func(e domain.Entity) any { return e.(*domain.Sample).IsSerumSample },
				Set: func(e domain.Entity, v any) error {
					b, ok := v.(bool)
					if !ok {
						return fmt.Errorf("field is_serum_sample requires a bool, got %T", v)
					}
					e.(*domain.Sample).IsSerumSample = b
					return nil
				},
			},
		},
		Relations: map[string]domain.RelationSpec{
			"animal": {
				Name: "animal", Kind: domain.ManyToOne, Target: domain.KindAnimal,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toOne(view, domain.KindAnimal, e.(*domain.Sample).AnimalID)
				},
			},
			"msrun_samples": {
				Name: "msrun_samples", Kind: domain.OneToMany, Target: domain.KindMSRunSample,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toMany(view, domain.KindMSRunSample, func(ent domain.Entity) bool {
						return ent.(*domain.MSRunSample).SampleID == e.EntityID()
					})
				},
			},
		},
	}
}

func msRunSampleSchema() *domain.Schema {
	return &domain.Schema{
		Kind:     domain.KindMSRunSample,
		New:      func() domain.Entity { return &domain.MSRunSample{} },
		Caching:  true,
		Parent:   "sample",
		Children: []string{"peak_groups"},
		Fields:   map[string]domain.FieldSpec{},
		Relations: map[string]domain.RelationSpec{
			"sample": {
				Name: "sample", Kind: domain.ManyToOne, Target: domain.KindSample,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toOne(view, domain.KindSample, e.(*domain.MSRunSample).SampleID)
				},
			},
			"peak_groups": {
				Name: "peak_groups", Kind: domain.OneToMany, Target: domain.KindPeakGroup,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toMany(view, domain.KindPeakGroup, func(ent domain.Entity) bool {
						return ent.(*domain.PeakGroup).MSRunSampleID == e.EntityID()
					})
				},
			},
		},
	}
}

func peakGroupSchema() *domain.Schema {
	return &domain.Schema{
		Kind:     domain.KindPeakGroup,
		New:      func() domain.Entity { return &domain.PeakGroup{} },
		Caching:  true,
		Parent:   "msrun_sample",
		Children: []string{"peak_data"},
		Fields:   map[string]domain.FieldSpec{},
		Relations: map[string]domain.RelationSpec{
			"msrun_sample": {
				Name: "msrun_sample", Kind: domain.ManyToOne, Target: domain.KindMSRunSample,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toOne(view, domain.KindMSRunSample, e.(*domain.PeakGroup).MSRunSampleID)
				},
			},
			"compound": {
				Name: "compound", Kind: domain.ManyToOne, Target: domain.KindCompound,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toOne(view, domain.KindCompound, e.(*domain.PeakGroup).CompoundID)
				},
			},
			"peak_data": {
				Name: "peak_data", Kind: domain.OneToMany, Target: domain.KindPeakData,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toMany(view, domain.KindPeakData, func(ent domain.Entity) bool {
						return ent.(*domain.PeakData).PeakGroupID == e.EntityID()
					})
				},
			},
		},
	}
}

func peakDataSchema() *domain.Schema {
	return &domain.Schema{
		Kind:    domain.KindPeakData,
		New:     func() domain.Entity { return &domain.PeakData{} },
		Caching: true,
		Parent:  "peak_group",
		Fields:  map[string]domain.FieldSpec{},
		Relations: map[string]domain.RelationSpec{
			"peak_group": {
				Name: "peak_group", Kind: domain.ManyToOne, Target: domain.KindPeakGroup,
				Resolve: func(view domain.View, e domain.Entity) ([]domain.Entity, error) {
					return toOne(view, domain.KindPeakGroup, e.(*domain.PeakData).PeakGroupID)
				},
			},
		},
	}
}
