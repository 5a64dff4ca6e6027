package core

import (
	"fmt"
	"sort"

	"tracebase/internal/cache"
	"tracebase/pkg/domain"
)

// Cached function names registered for the peak-group and peak-data kinds.
const (
	FuncTotalAbundance     = "total_abundance"
	FuncEnrichmentFraction = "enrichment_fraction"
	FuncEnrichmentAbund    = "enrichment_abundance"
	FuncNormalizedLabeling = "normalized_labeling"
	FuncRateDisPerGram     = "rate_disappearance_intact_per_gram"
	FuncRateAppPerGram     = "rate_appearance_intact_per_gram"
	FuncRateDisPerAnimal   = "rate_disappearance_intact_per_animal"
	FuncRateAppPerAnimal   = "rate_appearance_intact_per_animal"
	FuncFraction           = "fraction"
)

// RegisterCachedFunctions wires the derived tracing metrics into the cache
// layer. Every function computes from committed store state only, so cached
// values stay valid until the surrounding hierarchy is invalidated.
func RegisterCachedFunctions(layer *cache.Layer) error {
	funcs := []cache.Function{
		{Kind: domain.KindPeakGroup, Name: FuncTotalAbundance, Compute: cachedTotalAbundance},
		{Kind: domain.KindPeakGroup, Name: FuncEnrichmentFraction, Compute: cachedEnrichmentFraction},
		{Kind: domain.KindPeakGroup, Name: FuncEnrichmentAbund, Compute: cachedEnrichmentAbundance},
		{Kind: domain.KindPeakGroup, Name: FuncNormalizedLabeling, Compute: cachedNormalizedLabeling},
		{Kind: domain.KindPeakGroup, Name: FuncRateDisPerGram, Compute: cachedRateDisappearancePerGram},
		{Kind: domain.KindPeakGroup, Name: FuncRateAppPerGram, Compute: cachedRateAppearancePerGram},
		{Kind: domain.KindPeakGroup, Name: FuncRateDisPerAnimal, Compute: cachedRateDisappearancePerAnimal},
		{Kind: domain.KindPeakGroup, Name: FuncRateAppPerAnimal, Compute: cachedRateAppearancePerAnimal},
		{Kind: domain.KindPeakData, Name: FuncFraction, Compute: cachedObservationFraction},
	}
	for _, f := range funcs {
		if err := layer.RegisterFunction(f); err != nil {
			return err
		}
	}
	return nil
}

func peakGroupObservations(view domain.View, pg *domain.PeakGroup) []*domain.PeakData {
	var out []*domain.PeakData
	for _, ent := range view.List(domain.KindPeakData) {
		pd := ent.(*domain.PeakData)
		if pd.PeakGroupID == pg.ID {
			out = append(out, pd)
		}
	}
	return out
}

// peakGroupAnimal walks peak group -> MS run -> sample -> animal.
func peakGroupAnimal(view domain.View, pg *domain.PeakGroup) (*domain.Animal, *domain.Sample, error) {
	run, ok := view.Get(domain.KindMSRunSample, pg.MSRunSampleID)
	if !ok {
		return nil, nil, fmt.Errorf("peak group %s references missing MS run %s", pg.ID, pg.MSRunSampleID)
	}
	sample, ok := view.Get(domain.KindSample, run.(*domain.MSRunSample).SampleID)
	if !ok {
		return nil, nil, fmt.Errorf("MS run %s references missing sample", run.EntityID())
	}
	s := sample.(*domain.Sample)
	animal, ok := view.Get(domain.KindAnimal, s.AnimalID)
	if !ok {
		return nil, nil, fmt.Errorf("sample %s references missing animal %s", s.ID, s.AnimalID)
	}
	return animal.(*domain.Animal), s, nil
}

// infusedTracer pairs an infusate tracer link with its resolved tracer record.
type infusedTracer struct {
	tracer *domain.Tracer
	link   *domain.InfusateTracer
}

func animalInfusedTracers(view domain.View, animal *domain.Animal) ([]infusedTracer, error) {
	if animal.InfusateID == nil {
		return nil, fmt.Errorf("animal %s has no infusate", animal.ID)
	}
	var out []infusedTracer
	for _, ent := range view.List(domain.KindInfusateTracer) {
		link := ent.(*domain.InfusateTracer)
		if link.InfusateID != *animal.InfusateID {
			continue
		}
		tracer, ok := view.Get(domain.KindTracer, link.TracerID)
		if !ok {
			return nil, fmt.Errorf("infusate %s links missing tracer %s", link.InfusateID, link.TracerID)
		}
		out = append(out, infusedTracer{tracer: tracer.(*domain.Tracer), link: link})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("infusate %s has no tracer links", *animal.InfusateID)
	}
	return out, nil
}

// tracedElement picks the labeled element used for enrichment computations:
// the lexically first element across the infused tracers' labels that appears
// in the peak group's formula. Single-element infusions, the overwhelmingly
// common case, are unambiguous; multi-element infusions get a deterministic
// choice.
func tracedElement(view domain.View, pg *domain.PeakGroup, tracers []infusedTracer) (string, error) {
	elements := make(map[string]struct{})
	for _, it := range tracers {
		for _, ent := range view.List(domain.KindTracerLabel) {
			label := ent.(*domain.TracerLabel)
			if label.TracerID == it.tracer.ID {
				elements[label.Element] = struct{}{}
			}
		}
	}
	sorted := make([]string, 0, len(elements))
	for el := range elements {
		sorted = append(sorted, el)
	}
	sort.Strings(sorted)
	for _, el := range sorted {
		if n, err := domain.CountAtoms(pg.Formula, el); err == nil && n > 0 {
			return el, nil
		}
	}
	return "", fmt.Errorf("no infused label element present in formula %q of peak group %s", pg.Formula, pg.ID)
}

func cachedTotalAbundance(view domain.View, e domain.Entity) (any, error) {
	pg := e.(*domain.PeakGroup)
	return domain.TotalAbundance(peakGroupObservations(view, pg)), nil
}

func cachedEnrichmentFraction(view domain.View, e domain.Entity) (any, error) {
	pg := e.(*domain.PeakGroup)
	animal, _, err := peakGroupAnimal(view, pg)
	if err != nil {
		return nil, err
	}
	tracers, err := animalInfusedTracers(view, animal)
	if err != nil {
		return nil, err
	}
	element, err := tracedElement(view, pg, tracers)
	if err != nil {
		return nil, err
	}
	return domain.EnrichmentFraction(pg.Formula, element, peakGroupObservations(view, pg))
}

func cachedEnrichmentAbundance(view domain.View, e domain.Entity) (any, error) {
	pg := e.(*domain.PeakGroup)
	enrichment, err := cachedEnrichmentFraction(view, pg)
	if err != nil {
		return nil, err
	}
	total := domain.TotalAbundance(peakGroupObservations(view, pg))
	return domain.EnrichmentAbundance(total, enrichment.(float64)), nil
}

// serumTracerPeakGroup locates the peak group of the infused tracer compound
// in the animal's latest serum sample, the reference measurement that rate
// and normalization metrics divide by.
func serumTracerPeakGroup(view domain.View, animal *domain.Animal, tracer infusedTracer) (*domain.PeakGroup, error) {
	var serum *domain.Sample
	for _, ent := range view.List(domain.KindSample) {
		s := ent.(*domain.Sample)
		if s.AnimalID != animal.ID || !domain.IsSerumTissue(s.Tissue) {
			continue
		}
		if serum == nil || s.CollectedAt.After(serum.CollectedAt) {
			serum = s
		}
	}
	if serum == nil {
		return nil, fmt.Errorf("animal %s has no serum sample", animal.ID)
	}
	for _, ent := range view.List(domain.KindMSRunSample) {
		run := ent.(*domain.MSRunSample)
		if run.SampleID != serum.ID {
			continue
		}
		for _, pgEnt := range view.List(domain.KindPeakGroup) {
			pg := pgEnt.(*domain.PeakGroup)
			if pg.MSRunSampleID == run.ID && pg.CompoundID == tracer.tracer.CompoundID {
				return pg, nil
			}
		}
	}
	return nil, fmt.Errorf("no serum peak group for tracer compound %s of animal %s", tracer.tracer.CompoundID, animal.ID)
}

// tracerForElement returns the infused tracer carrying a label on the element.
func tracerForElement(view domain.View, tracers []infusedTracer, element string) (infusedTracer, error) {
	for _, it := range tracers {
		for _, ent := range view.List(domain.KindTracerLabel) {
			label := ent.(*domain.TracerLabel)
			if label.TracerID == it.tracer.ID && label.Element == element {
				return it, nil
			}
		}
	}
	return infusedTracer{}, fmt.Errorf("no infused tracer labels element %s", element)
}

func cachedNormalizedLabeling(view domain.View, e domain.Entity) (any, error) {
	pg := e.(*domain.PeakGroup)
	animal, _, err := peakGroupAnimal(view, pg)
	if err != nil {
		return nil, err
	}
	tracers, err := animalInfusedTracers(view, animal)
	if err != nil {
		return nil, err
	}
	element, err := tracedElement(view, pg, tracers)
	if err != nil {
		return nil, err
	}
	tracer, err := tracerForElement(view, tracers, element)
	if err != nil {
		return nil, err
	}
	tracerPG, err := serumTracerPeakGroup(view, animal, tracer)
	if err != nil {
		return nil, err
	}
	own, err := domain.EnrichmentFraction(pg.Formula, element, peakGroupObservations(view, pg))
	if err != nil {
		return nil, err
	}
	ref, err := domain.EnrichmentFraction(tracerPG.Formula, element, peakGroupObservations(view, tracerPG))
	if err != nil {
		return nil, err
	}
	return domain.NormalizedLabeling(own, ref)
}

// ratesForPeakGroup computes the intact-tracer disappearance and appearance
// rates per gram of body weight. Defined only for tracer peak groups measured
// in serum: the group's compound must be an infused tracer compound and its
// sample a serum sample.
func ratesForPeakGroup(view domain.View, pg *domain.PeakGroup) (dis, app float64, animal *domain.Animal, err error) {
	animal, sample, err := peakGroupAnimal(view, pg)
	if err != nil {
		return 0, 0, nil, err
	}
	if !domain.IsSerumTissue(sample.Tissue) {
		return 0, 0, nil, fmt.Errorf("peak group %s is not a serum measurement", pg.ID)
	}
	if animal.InfusionRate == nil {
		return 0, 0, nil, fmt.Errorf("animal %s has no infusion rate", animal.ID)
	}
	tracers, err := animalInfusedTracers(view, animal)
	if err != nil {
		return 0, 0, nil, err
	}
	var match *infusedTracer
	for i := range tracers {
		if tracers[i].tracer.CompoundID == pg.CompoundID {
			match = &tracers[i]
			break
		}
	}
	if match == nil {
		return 0, 0, nil, fmt.Errorf("peak group %s compound is not an infused tracer", pg.ID)
	}
	element, err := tracedElement(view, pg, []infusedTracer{*match})
	if err != nil {
		return 0, 0, nil, err
	}
	enrichment, err := domain.EnrichmentFraction(pg.Formula, element, peakGroupObservations(view, pg))
	if err != nil {
		return 0, 0, nil, err
	}
	dis, err = domain.RateDisappearanceIntactPerGram(*animal.InfusionRate, match.link.Concentration, enrichment)
	if err != nil {
		return 0, 0, nil, err
	}
	app = domain.RateAppearanceIntactPerGram(dis, *animal.InfusionRate, match.link.Concentration)
	return dis, app, animal, nil
}

func cachedRateDisappearancePerGram(view domain.View, e domain.Entity) (any, error) {
	dis, _, _, err := ratesForPeakGroup(view, e.(*domain.PeakGroup))
	return dis, err
}

func cachedRateAppearancePerGram(view domain.View, e domain.Entity) (any, error) {
	_, app, _, err := ratesForPeakGroup(view, e.(*domain.PeakGroup))
	return app, err
}

func cachedRateDisappearancePerAnimal(view domain.View, e domain.Entity) (any, error) {
	dis, _, animal, err := ratesForPeakGroup(view, e.(*domain.PeakGroup))
	if err != nil {
		return nil, err
	}
	if animal.BodyWeight == nil {
		return nil, fmt.Errorf("animal %s has no body weight", animal.ID)
	}
	return domain.RatePerAnimal(dis, *animal.BodyWeight), nil
}

func cachedRateAppearancePerAnimal(view domain.View, e domain.Entity) (any, error) {
	_, app, animal, err := ratesForPeakGroup(view, e.(*domain.PeakGroup))
	if err != nil {
		return nil, err
	}
	if animal.BodyWeight == nil {
		return nil, fmt.Errorf("animal %s has no body weight", animal.ID)
	}
	return domain.RatePerAnimal(app, *animal.BodyWeight), nil
}

func cachedObservationFraction(view domain.View, e domain.Entity) (any, error) {
	pd := e.(*domain.PeakData)
	group, ok := view.Get(domain.KindPeakGroup, pd.PeakGroupID)
	if !ok {
		return nil, fmt.Errorf("peak data %s references missing peak group %s", pd.ID, pd.PeakGroupID)
	}
	total := domain.TotalAbundance(peakGroupObservations(view, group.(*domain.PeakGroup)))
	return domain.ObservationFraction(pd, total)
}
