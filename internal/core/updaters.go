package core

import (
	"fmt"

	"tracebase/internal/maintained"
	"tracebase/pkg/domain"
)

// Update labels grouping the maintained-field updaters for selective
// buffering, draining, and rebuilds.
const (
	// LabelName covers the derived tracer and infusate display names.
	LabelName = "name"
	// LabelSerum covers the serum-sample tracking fields on animals and samples.
	LabelSerum = "serum"
)

// BuildRegistry registers every maintained-field updater against the schema
// set. Generations count leaf-ward from each hierarchy root: infusate and
// animal are roots, so a change on a deep record reaches them by walking its
// parent relations in descending generation order.
func BuildRegistry(schemas *domain.SchemaSet) (*maintained.Registry, error) {
	reg := maintained.NewRegistry(schemas)

	updaters := []struct {
		kind domain.Kind
		u    maintained.Updater
	}{
		{domain.KindInfusate, maintained.Updater{
			Name:           "infusate_name",
			Field:          "name",
			Label:          LabelName,
			Generation:     0,
			ChildRelations: []string{"tracer_links"},
			Compute:        computeInfusateName,
		}},
		{domain.KindInfusateTracer, maintained.Updater{
			Name:           "infusate_tracer_link",
			Label:          LabelName,
			Generation:     1,
			ParentRelation: "infusate",
			ChildRelations: []string{"tracer"},
		}},
		{domain.KindTracer, maintained.Updater{
			Name:           "tracer_name",
			Field:          "name",
			Label:          LabelName,
			Generation:     2,
			ParentRelation: "infusate_links",
			ChildRelations: []string{"labels"},
			Compute:        computeTracerName,
		}},
		{domain.KindTracerLabel, maintained.Updater{
			Name:           "tracer_label_link",
			Label:          LabelName,
			Generation:     3,
			ParentRelation: "tracer",
		}},
		{domain.KindAnimal, maintained.Updater{
			Name:           "animal_last_serum_sample_time",
			Field:          "last_serum_sample_time",
			Label:          LabelSerum,
			Generation:     0,
			ChildRelations: []string{"samples"},
			Compute:        computeLastSerumSampleTime,
		}},
		{domain.KindSample, maintained.Updater{
			Name:           "sample_is_serum",
			Field:          "is_serum_sample",
			Label:          LabelSerum,
			Generation:     1,
			ParentRelation: "animal",
			Compute:        computeIsSerumSample,
		}},
	}
	for _, reg2 := range updaters {
		if err := reg.Register(reg2.kind, reg2.u); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func computeTracerName(view domain.View, e domain.Entity) (any, error) {
	tracer := e.(*domain.Tracer)
	compound, ok := view.Get(domain.KindCompound, tracer.CompoundID)
	if !ok {
		return nil, fmt.Errorf("tracer %s references missing compound %s", tracer.ID, tracer.CompoundID)
	}
	var labels []*domain.TracerLabel
	for _, ent := range view.List(domain.KindTracerLabel) {
		label := ent.(*domain.TracerLabel)
		if label.TracerID == tracer.ID {
			labels = append(labels, label)
		}
	}
	return domain.TracerName(compound.(*domain.Compound).Name, labels), nil
}

func computeInfusateName(view domain.View, e domain.Entity) (any, error) {
	infusate := e.(*domain.Infusate)
	var parts []domain.InfusateTracerPart
	for _, ent := range view.List(domain.KindInfusateTracer) {
		link := ent.(*domain.InfusateTracer)
		if link.InfusateID != infusate.ID {
			continue
		}
		tracer, ok := view.Get(domain.KindTracer, link.TracerID)
		if !ok {
			return nil, fmt.Errorf("infusate %s links missing tracer %s", infusate.ID, link.TracerID)
		}
		parts = append(parts, domain.InfusateTracerPart{
			TracerName:    tracer.(*domain.Tracer).Name,
			Concentration: link.Concentration,
		})
	}
	return domain.InfusateName(infusate.TracerGroupName, parts), nil
}

func computeLastSerumSampleTime(view domain.View, e domain.Entity) (any, error) {
	animal := e.(*domain.Animal)
	var samples []*domain.Sample
	for _, ent := range view.List(domain.KindSample) {
		sample := ent.(*domain.Sample)
		if sample.AnimalID == animal.ID {
			samples = append(samples, sample)
		}
	}
	return domain.LastSerumSampleTime(samples), nil
}

func computeIsSerumSample(_ domain.View, e domain.Entity) (any, error) {
	return domain.IsSerumTissue(e.(*domain.Sample).Tissue), nil
}
