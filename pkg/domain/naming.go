package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LabelText renders one isotope label in the canonical short form used inside
// tracer names: "13C6", or "2,3-13C2" when explicit positions are recorded.
func LabelText(l *TracerLabel) string {
	var b strings.Builder
	if len(l.Positions) > 0 {
		positions := append([]int(nil), l.Positions...)
		sort.Ints(positions)
		parts := make([]string, len(positions))
		for i, p := range positions {
			parts[i] = strconv.Itoa(p)
		}
		b.WriteString(strings.Join(parts, ","))
		b.WriteString("-")
	}
	fmt.Fprintf(&b, "%d%s%d", l.MassNumber, l.Element, l.Count)
	return b.String()
}

// TracerName composes the canonical tracer name from the compound name and
// the tracer's labels, e.g. "lysine-[13C6]" or "glucose-[2,3-13C2,15N1]".
// Labels are sorted by their rendered text so the result is deterministic
// regardless of insertion order. A tracer with no labels has no derivable
// name and yields the bare compound name.
func TracerName(compoundName string, labels []*TracerLabel) string {
	if len(labels) == 0 {
		return compoundName
	}
	texts := make([]string, len(labels))
	for i, l := range labels {
		texts[i] = LabelText(l)
	}
	sort.Strings(texts)
	return compoundName + "-[" + strings.Join(texts, ",") + "]"
}

// InfusateTracerPart pairs a rendered tracer name with its concentration for
// infusate-name composition.
type InfusateTracerPart struct {
	TracerName    string
	Concentration float64
}

// InfusateName composes the canonical infusate name: the optional tracer
// group name followed by the concentration-annotated tracer list in braces,
// e.g. `BCAAs {leucine-[13C6][24];valine-[13C5][12]}`. Without a group name
// the braces are omitted. Parts are sorted by tracer name so infusates with
// identical compositions derive identical names.
func InfusateName(groupName *string, parts []InfusateTracerPart) string {
	sorted := append([]InfusateTracerPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TracerName != sorted[j].TracerName {
			return sorted[i].TracerName < sorted[j].TracerName
		}
		return sorted[i].Concentration < sorted[j].Concentration
	})
	rendered := make([]string, len(sorted))
	for i, p := range sorted {
		rendered[i] = fmt.Sprintf("%s[%s]", p.TracerName, strconv.FormatFloat(p.Concentration, 'f', -1, 64))
	}
	joined := strings.Join(rendered, ";")
	if groupName != nil && *groupName != "" {
		return *groupName + " {" + joined + "}"
	}
	return joined
}

// serumTissuePrefix matches the tissue naming convention for serum samples.
const serumTissuePrefix = "serum"

// IsSerumTissue reports whether a tissue name denotes a serum sample.
func IsSerumTissue(tissue string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(tissue)), serumTissuePrefix)
}

// LastSerumSampleTime returns the latest collection time across the serum
// samples in the given set, or nil when none exist.
func LastSerumSampleTime(samples []*Sample) *time.Time {
	var last *time.Time
	for _, s := range samples {
		if !IsSerumTissue(s.Tissue) {
			continue
		}
		if last == nil || s.CollectedAt.After(*last) {
			t := s.CollectedAt
			last = &t
		}
	}
	return last
}
