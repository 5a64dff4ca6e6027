// Package domain defines the persistent entities, schema metadata, and
// derived-metric primitives used by tracebase.
package domain

import (
	"time"
)

// Kind identifies the type of record stored in the repository.
type Kind string

// Supported entity kind identifiers used in Change records and persistence buckets.
const (
	// KindCompound identifies a chemical compound record.
	KindCompound Kind = "compound"
	// KindTracer identifies an isotope-labeled tracer record.
	KindTracer Kind = "tracer"
	// KindTracerLabel identifies a single isotope label on a tracer.
	KindTracerLabel Kind = "tracer_label"
	// KindInfusate identifies an infusion mixture record.
	KindInfusate Kind = "infusate"
	// KindInfusateTracer identifies a tracer/concentration link inside an infusate.
	KindInfusateTracer Kind = "infusate_tracer"
	// KindAnimal identifies a study animal record.
	KindAnimal Kind = "animal"
	// KindSample identifies a biological sample record.
	KindSample Kind = "sample"
	// KindMSRunSample identifies a mass-spec run of one sample.
	KindMSRunSample Kind = "msrun_sample"
	// KindPeakGroup identifies a group of observed peaks for one compound.
	KindPeakGroup Kind = "peak_group"
	// KindPeakData identifies one isotopomer observation within a peak group.
	KindPeakData Kind = "peak_data"
)

// Action enumerates mutation types recorded per transaction.
type Action string

// Mutation actions captured in Change records.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change captures a single entity mutation inside a transaction. Commit-time
// consumers (cache invalidation) receive the full ordered list.
type Change struct {
	Entity Kind   `json:"entity"`
	Action Action `json:"action"`
	ID     string `json:"id"`
	Before Entity `json:"-"`
	After  Entity `json:"-"`
}

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityID returns the record's primary key.
func (b *Base) EntityID() string { return b.ID }

// SetEntityID assigns the record's primary key.
func (b *Base) SetEntityID(id string) { b.ID = id }

// Stamp sets the audit timestamps. CreatedAt is only set when zero.
func (b *Base) Stamp(now time.Time) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

// Entity is implemented by every stored record. Entities are handled as
// pointers so maintained-field recomputation can mutate them in place.
type Entity interface {
	EntityKind() Kind
	EntityID() string
	SetEntityID(id string)
	Stamp(now time.Time)
	CloneEntity() Entity
}

// Compound represents a chemical compound measured or infused in a study.
type Compound struct {
	Base
	Name    string `json:"name"`
	Formula string `json:"formula"`
	HMDBID  string `json:"hmdb_id"`
}

// EntityKind implements Entity.
func (*Compound) EntityKind() Kind { return KindCompound }

// CloneEntity implements Entity.
func (c *Compound) CloneEntity() Entity {
	cp := *c
	return &cp
}

// Tracer is a compound carrying one or more isotope labels. Name is a
// maintained field derived from the compound and the tracer's labels.
type Tracer struct {
	Base
	CompoundID string `json:"compound_id"`
	Name       string `json:"name"`
}

// EntityKind implements Entity.
func (*Tracer) EntityKind() Kind { return KindTracer }

// CloneEntity implements Entity.
func (t *Tracer) CloneEntity() Entity {
	cp := *t
	return &cp
}

// TracerLabel describes one isotope label applied to a tracer compound.
type TracerLabel struct {
	Base
	TracerID   string `json:"tracer_id"`
	Element    string `json:"element"`
	MassNumber int    `json:"mass_number"`
	Count      int    `json:"count"`
	Positions  []int  `json:"positions,omitempty"`
}

// EntityKind implements Entity.
func (*TracerLabel) EntityKind() Kind { return KindTracerLabel }

// CloneEntity implements Entity.
func (l *TracerLabel) CloneEntity() Entity {
	cp := *l
	cp.Positions = append([]int(nil), l.Positions...)
	return &cp
}

// Infusate is a mixture of tracers at known concentrations. Name is a
// maintained field derived from the group name and the tracer links.
type Infusate struct {
	Base
	TracerGroupName *string `json:"tracer_group_name,omitempty"`
	Name            string  `json:"name"`
}

// EntityKind implements Entity.
func (*Infusate) EntityKind() Kind { return KindInfusate }

// CloneEntity implements Entity.
func (i *Infusate) CloneEntity() Entity {
	cp := *i
	if i.TracerGroupName != nil {
		v := *i.TracerGroupName
		cp.TracerGroupName = &v
	}
	return &cp
}

// InfusateTracer links a tracer into an infusate at a concentration (mM).
type InfusateTracer struct {
	Base
	InfusateID    string  `json:"infusate_id"`
	TracerID      string  `json:"tracer_id"`
	Concentration float64 `json:"concentration"`
}

// EntityKind implements Entity.
func (*InfusateTracer) EntityKind() Kind { return KindInfusateTracer }

// CloneEntity implements Entity.
func (it *InfusateTracer) CloneEntity() Entity {
	cp := *it
	return &cp
}

// Animal represents a study subject. LastSerumSampleTime is a maintained
// field tracking the collection time of the animal's latest serum sample.
type Animal struct {
	Base
	Name                string     `json:"name"`
	Genotype            string     `json:"genotype"`
	BodyWeight          *float64   `json:"body_weight,omitempty"`
	InfusionRate        *float64   `json:"infusion_rate,omitempty"`
	InfusateID          *string    `json:"infusate_id,omitempty"`
	LastSerumSampleTime *time.Time `json:"last_serum_sample_time,omitempty"`
}

// EntityKind implements Entity.
func (*Animal) EntityKind() Kind { return KindAnimal }

// CloneEntity implements Entity.
func (a *Animal) CloneEntity() Entity {
	cp := *a
	if a.BodyWeight != nil {
		v := *a.BodyWeight
		cp.BodyWeight = &v
	}
	if a.InfusionRate != nil {
		v := *a.InfusionRate
		cp.InfusionRate = &v
	}
	if a.InfusateID != nil {
		v := *a.InfusateID
		cp.InfusateID = &v
	}
	if a.LastSerumSampleTime != nil {
		v := *a.LastSerumSampleTime
		cp.LastSerumSampleTime = &v
	}
	return &cp
}

// Sample tracks material collected from an animal. IsSerumSample is a
// maintained field derived from the tissue name.
type Sample struct {
	Base
	AnimalID      string    `json:"animal_id"`
	Name          string    `json:"name"`
	Tissue        string    `json:"tissue"`
	CollectedAt   time.Time `json:"collected_at"`
	Researcher    string    `json:"researcher"`
	IsSerumSample bool      `json:"is_serum_sample"`
}

// EntityKind implements Entity.
func (*Sample) EntityKind() Kind { return KindSample }

// CloneEntity implements Entity.
func (s *Sample) CloneEntity() Entity {
	cp := *s
	return &cp
}

// MSRunSample records one mass-spec run of a sample. RawFileKey addresses the
// archived raw instrument file in the archive store.
type MSRunSample struct {
	Base
	SampleID   string `json:"sample_id"`
	Instrument string `json:"instrument"`
	Polarity   string `json:"polarity"`
	RawFileKey string `json:"raw_file_key,omitempty"`
}

// EntityKind implements Entity.
func (*MSRunSample) EntityKind() Kind { return KindMSRunSample }

// CloneEntity implements Entity.
func (m *MSRunSample) CloneEntity() Entity {
	cp := *m
	return &cp
}

// PeakGroup aggregates the observed peaks for one compound in one MS run.
type PeakGroup struct {
	Base
	MSRunSampleID string `json:"msrun_sample_id"`
	CompoundID    string `json:"compound_id"`
	Name          string `json:"name"`
	Formula       string `json:"formula"`
}

// EntityKind implements Entity.
func (*PeakGroup) EntityKind() Kind { return KindPeakGroup }

// CloneEntity implements Entity.
func (p *PeakGroup) CloneEntity() Entity {
	cp := *p
	return &cp
}

// PeakData is one isotopomer observation within a peak group: the measured
// abundance of molecules carrying Count atoms of the labeled Element.
type PeakData struct {
	Base
	PeakGroupID  string  `json:"peak_group_id"`
	Element      string  `json:"element"`
	MassNumber   int     `json:"mass_number"`
	Count        int     `json:"count"`
	RawAbundance float64 `json:"raw_abundance"`
	MedMz        float64 `json:"med_mz"`
	MedRt        float64 `json:"med_rt"`
}

// EntityKind implements Entity.
func (*PeakData) EntityKind() Kind { return KindPeakData }

// CloneEntity implements Entity.
func (p *PeakData) CloneEntity() Entity {
	cp := *p
	return &cp
}
