package domain

import (
	"fmt"
	"strconv"
	"unicode"
)

// CountAtoms parses a molecular formula such as "C6H12O6" and returns the
// atom count for the requested element. Elements present without an explicit
// count (e.g. the N in "C5H11NO2S") count as one.
func CountAtoms(formula, element string) (int, error) {
	if formula == "" {
		return 0, fmt.Errorf("empty formula")
	}
	total := 0
	runes := []rune(formula)
	for i := 0; i < len(runes); {
		if !unicode.IsUpper(runes[i]) {
			return 0, fmt.Errorf("malformed formula %q at position %d", formula, i)
		}
		j := i + 1
		for j < len(runes) && unicode.IsLower(runes[j]) {
			j++
		}
		symbol := string(runes[i:j])
		k := j
		for k < len(runes) && unicode.IsDigit(runes[k]) {
			k++
		}
		count := 1
		if k > j {
			n, err := strconv.Atoi(string(runes[j:k]))
			if err != nil {
				return 0, fmt.Errorf("malformed formula %q: %w", formula, err)
			}
			count = n
		}
		if symbol == element {
			total += count
		}
		i = k
	}
	return total, nil
}

// TotalAbundance sums the raw abundance over every isotopomer observation of
// a peak group.
func TotalAbundance(observations []*PeakData) float64 {
	var total float64
	for _, pd := range observations {
		total += pd.RawAbundance
	}
	return total
}

// ObservationFraction is the share of a peak group's total abundance carried
// by one isotopomer observation. Returns an error when the group's total is
// zero, since the fraction is undefined.
func ObservationFraction(pd *PeakData, total float64) (float64, error) {
	if total == 0 {
		return 0, fmt.Errorf("peak group %s has zero total abundance", pd.PeakGroupID)
	}
	return pd.RawAbundance / total, nil
}

// EnrichmentFraction computes the fraction of labeled atoms for one element
// across a peak group's observations: sum(fraction * labeled count) divided
// by the element's atom count in the compound formula. Observations for other
// elements are ignored. Assumes at most one labeled isotope per element per
// tracer; this is a naming convention, not an enforced constraint.
func EnrichmentFraction(formula, element string, observations []*PeakData) (float64, error) {
	atoms, err := CountAtoms(formula, element)
	if err != nil {
		return 0, err
	}
	if atoms == 0 {
		return 0, fmt.Errorf("element %s not present in formula %q", element, formula)
	}
	total := TotalAbundance(observations)
	var weighted float64
	for _, pd := range observations {
		if pd.Element != element {
			continue
		}
		frac, err := ObservationFraction(pd, total)
		if err != nil {
			return 0, err
		}
		weighted += frac * float64(pd.Count)
	}
	return weighted / float64(atoms), nil
}

// EnrichmentAbundance scales a peak group's total abundance by its enrichment
// fraction, yielding the abundance attributable to labeled material.
func EnrichmentAbundance(totalAbundance, enrichmentFraction float64) float64 {
	return totalAbundance * enrichmentFraction
}

// NormalizedLabeling normalizes a peak group's enrichment fraction by the
// enrichment of the infused tracer compound measured in the same run.
func NormalizedLabeling(enrichmentFraction, tracerEnrichmentFraction float64) (float64, error) {
	if tracerEnrichmentFraction == 0 {
		return 0, fmt.Errorf("tracer enrichment fraction is zero")
	}
	return enrichmentFraction / tracerEnrichmentFraction, nil
}

// RateDisappearanceIntactPerGram computes the disappearance rate of the
// intact tracer per gram of body weight from the infusion rate (uL/min/g),
// tracer concentration (mM), and the measured serum enrichment fraction.
func RateDisappearanceIntactPerGram(infusionRate, tracerConcentration, enrichmentFraction float64) (float64, error) {
	if enrichmentFraction == 0 {
		return 0, fmt.Errorf("enrichment fraction is zero")
	}
	return infusionRate * tracerConcentration / enrichmentFraction, nil
}

// RateAppearanceIntactPerGram computes the appearance rate of unlabeled
// material per gram: disappearance minus the infused amount.
func RateAppearanceIntactPerGram(rateDisappearancePerGram, infusionRate, tracerConcentration float64) float64 {
	return rateDisappearancePerGram - infusionRate*tracerConcentration
}

// RatePerAnimal scales a per-gram rate by the animal's body weight (g).
func RatePerAnimal(ratePerGram, bodyWeight float64) float64 {
	return ratePerGram * bodyWeight
}
