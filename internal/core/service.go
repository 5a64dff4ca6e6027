package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"tracebase/internal/archive"
	"tracebase/internal/cache"
	"tracebase/internal/maintained"
	"tracebase/pkg/domain"
)

// Store is the persistence surface the service operates on. Durable backends
// wrap the in-memory store and inherit its engine and cache wiring.
type Store interface {
	domain.PersistentStore
	Engine() *maintained.Engine
	Caches() *cache.Layer
}

// Service exposes the typed repository operations: per-kind CRUD with the
// maintained-field pipeline, coordinator scoping, mass updates, cache
// management, and raw-file archival.
type Service struct {
	store   Store
	archive archive.Store
	logger  *slog.Logger
}

// ServiceOption configures a service at construction.
type ServiceOption func(*Service)

// WithArchive attaches the raw instrument-file archive store.
func WithArchive(a archive.Store) ServiceOption {
	return func(s *Service) { s.archive = a }
}

// WithServiceLogger overrides the service's structured logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService constructs a service over a store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying persistence store.
func (s *Service) Store() Store { return s.store }

// --- generic pipeline helpers -------------------------------------------

func save[T domain.Entity](ctx context.Context, s *Service, e T) (T, error) {
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.Save(ctx, e)
	})
	return e, err
}

// get reads one record. Under a lazy coordinator, a maintained record's own
// fields are recomputed and persisted before the read returns.
func get[T domain.Entity](ctx context.Context, s *Service, kind domain.Kind, id string) (T, error) {
	var zero T
	engine := s.store.Engine()
	sc, ok := engine.Schemas().Lookup(kind)
	if !ok {
		return zero, fmt.Errorf("no schema registered for kind %s", kind)
	}

	if sc.Maintained && engine.Current(ctx).Mode() == maintained.ModeLazy {
		labels, filterIn := engine.Current(ctx).LabelFilters()
		var out domain.Entity
		err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			ent, ok := tx.Get(kind, id)
			if !ok {
				return domain.StoreError{Kind: domain.ErrKindNotFound, Entity: kind, ID: id, Msg: "not found"}
			}
			if err := engine.RecomputeOwn(tx, ent, labels, filterIn); err != nil {
				return err
			}
			out = ent
			return nil
		})
		if err != nil {
			return zero, err
		}
		return entityAs[T](out, kind, id)
	}

	var out domain.Entity
	err := s.store.ViewState(ctx, func(v domain.View) error {
		ent, ok := v.Get(kind, id)
		if !ok {
			return domain.StoreError{Kind: domain.ErrKindNotFound, Entity: kind, ID: id, Msg: "not found"}
		}
		out = ent
		return nil
	})
	if err != nil {
		return zero, err
	}
	return entityAs[T](out, kind, id)
}

func list[T domain.Entity](ctx context.Context, s *Service, kind domain.Kind) ([]T, error) {
	var out []T
	err := s.store.ViewState(ctx, func(v domain.View) error {
		for _, ent := range v.List(kind) {
			typed, err := entityAs[T](ent, kind, ent.EntityID())
			if err != nil {
				return err
			}
			out = append(out, typed)
		}
		return nil
	})
	return out, err
}

func entityAs[T domain.Entity](ent domain.Entity, kind domain.Kind, id string) (T, error) {
	typed, ok := ent.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("record %s %s has unexpected type %T", kind, id, ent)
	}
	return typed, nil
}

func (s *Service) remove(ctx context.Context, kind domain.Kind, id string) error {
	return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.Delete(ctx, kind, id)
	})
}

// --- typed repository operations ------------------------------------------

// SaveCompound creates or updates a compound.
func (s *Service) SaveCompound(ctx context.Context, c *domain.Compound) (*domain.Compound, error) {
	return save(ctx, s, c)
}

// GetCompound returns one compound.
func (s *Service) GetCompound(ctx context.Context, id string) (*domain.Compound, error) {
	return get[*domain.Compound](ctx, s, domain.KindCompound, id)
}

// ListCompounds returns every compound.
func (s *Service) ListCompounds(ctx context.Context) ([]*domain.Compound, error) {
	return list[*domain.Compound](ctx, s, domain.KindCompound)
}

// DeleteCompound removes a compound.
func (s *Service) DeleteCompound(ctx context.Context, id string) error {
	return s.remove(ctx, domain.KindCompound, id)
}

// SaveTracer creates or updates a tracer. Its name is maintained and must not
// be supplied by the caller.
func (s *Service) SaveTracer(ctx context.Context, t *domain.Tracer) (*domain.Tracer, error) {
	return save(ctx, s, t)
}

// GetTracer returns one tracer.
func (s *Service) GetTracer(ctx context.Context, id string) (*domain.Tracer, error) {
	return get[*domain.Tracer](ctx, s, domain.KindTracer, id)
}

// ListTracers returns every tracer.
func (s *Service) ListTracers(ctx context.Context) ([]*domain.Tracer, error) {
	return list[*domain.Tracer](ctx, s, domain.KindTracer)
}

// DeleteTracer removes a tracer.
func (s *Service) DeleteTracer(ctx context.Context, id string) error {
	return s.remove(ctx, domain.KindTracer, id)
}

// SaveTracerLabel creates or updates an isotope label on a tracer.
func (s *Service) SaveTracerLabel(ctx context.Context, l *domain.TracerLabel) (*domain.TracerLabel, error) {
	return save(ctx, s, l)
}

// GetTracerLabel returns one tracer label.
func (s *Service) GetTracerLabel(ctx context.Context, id string) (*domain.TracerLabel, error) {
	return get[*domain.TracerLabel](ctx, s, domain.KindTracerLabel, id)
}

// DeleteTracerLabel removes a tracer label.
func (s *Service) DeleteTracerLabel(ctx context.Context, id string) error {
	return s.remove(ctx, domain.KindTracerLabel, id)
}

// SaveInfusate creates or updates an infusate. Its name is maintained.
func (s *Service) SaveInfusate(ctx context.Context, i *domain.Infusate) (*domain.Infusate, error) {
	return save(ctx, s, i)
}

// GetInfusate returns one infusate.
func (s *Service) GetInfusate(ctx context.Context, id string) (*domain.Infusate, error) {
	return get[*domain.Infusate](ctx, s, domain.KindInfusate, id)
}

// ListInfusates returns every infusate.
func (s *Service) ListInfusates(ctx context.Context) ([]*domain.Infusate, error) {
	return list[*domain.Infusate](ctx, s, domain.KindInfusate)
}

// DeleteInfusate removes an infusate.
func (s *Service) DeleteInfusate(ctx context.Context, id string) error {
	return s.remove(ctx, domain.KindInfusate, id)
}

// SaveInfusateTracer creates or updates a tracer/concentration link.
func (s *Service) SaveInfusateTracer(ctx context.Context, it *domain.InfusateTracer) (*domain.InfusateTracer, error) {
	return save(ctx, s, it)
}

// GetInfusateTracer returns one infusate tracer link.
func (s *Service) GetInfusateTracer(ctx context.Context, id string) (*domain.InfusateTracer, error) {
	return get[*domain.InfusateTracer](ctx, s, domain.KindInfusateTracer, id)
}

// DeleteInfusateTracer removes an infusate tracer link.
func (s *Service) DeleteInfusateTracer(ctx context.Context, id string) error {
	return s.remove(ctx, domain.KindInfusateTracer, id)
}

// SaveAnimal creates or updates an animal. LastSerumSampleTime is maintained.
func (s *Service) SaveAnimal(ctx context.Context, a *domain.Animal) (*domain.Animal, error) {
	return save(ctx, s, a)
}

// GetAnimal returns one animal.
func (s *Service) GetAnimal(ctx context.Context, id string) (*domain.Animal, error) {
	return get[*domain.Animal](ctx, s, domain.KindAnimal, id)
}

// ListAnimals returns every animal.
func (s *Service) ListAnimals(ctx context.Context) ([]*domain.Animal, error) {
	return list[*domain.Animal](ctx, s, domain.KindAnimal)
}

// DeleteAnimal removes an animal.
func (s *Service) DeleteAnimal(ctx context.Context, id string) error {
	return s.remove(ctx, domain.KindAnimal, id)
}

// SaveSample creates or updates a sample. IsSerumSample is maintained.
func (s *Service) SaveSample(ctx context.Context, sm *domain.Sample) (*domain.Sample, error) {
	return save(ctx, s, sm)
}

// GetSample returns one sample.
func (s *Service) GetSample(ctx context.Context, id string) (*domain.Sample, error) {
	return get[*domain.Sample](ctx, s, domain.KindSample, id)
}

// ListSamples returns every sample.
func (s *Service) ListSamples(ctx context.Context) ([]*domain.Sample, error) {
	return list[*domain.Sample](ctx, s, domain.KindSample)
}

// DeleteSample removes a sample.
func (s *Service) DeleteSample(ctx context.Context, id string) error {
	return s.remove(ctx, domain.KindSample, id)
}

// SaveMSRunSample creates or updates an MS run record.
func (s *Service) SaveMSRunSample(ctx context.Context, m *domain.MSRunSample) (*domain.MSRunSample, error) {
	return save(ctx, s, m)
}

// GetMSRunSample returns one MS run record.
func (s *Service) GetMSRunSample(ctx context.Context, id string) (*domain.MSRunSample, error) {
	return get[*domain.MSRunSample](ctx, s, domain.KindMSRunSample, id)
}

// DeleteMSRunSample removes an MS run record.
func (s *Service) DeleteMSRunSample(ctx context.Context, id string) error {
	return s.remove(ctx, domain.KindMSRunSample, id)
}

// SavePeakGroup creates or updates a peak group.
func (s *Service) SavePeakGroup(ctx context.Context, p *domain.PeakGroup) (*domain.PeakGroup, error) {
	return save(ctx, s, p)
}

// GetPeakGroup returns one peak group.
func (s *Service) GetPeakGroup(ctx context.Context, id string) (*domain.PeakGroup, error) {
	return get[*domain.PeakGroup](ctx, s, domain.KindPeakGroup, id)
}

// DeletePeakGroup removes a peak group.
func (s *Service) DeletePeakGroup(ctx context.Context, id string) error {
	return s.remove(ctx, domain.KindPeakGroup, id)
}

// SavePeakData creates or updates one isotopomer observation.
func (s *Service) SavePeakData(ctx context.Context, p *domain.PeakData) (*domain.PeakData, error) {
	return save(ctx, s, p)
}

// GetPeakData returns one isotopomer observation.
func (s *Service) GetPeakData(ctx context.Context, id string) (*domain.PeakData, error) {
	return get[*domain.PeakData](ctx, s, domain.KindPeakData, id)
}

// DeletePeakData removes one isotopomer observation.
func (s *Service) DeletePeakData(ctx context.Context, id string) error {
	return s.remove(ctx, domain.KindPeakData, id)
}

// --- coordinator scoping ----------------------------------------------

// WithCoordinator runs fn with the coordinator active on the derived context
// and releases it on every exit path. Releasing a deferred coordinator with no
// deferred ancestor drains its buffer; fn's error wins over the drain error.
func (s *Service) WithCoordinator(ctx context.Context, c *maintained.Coordinator, fn func(ctx context.Context) error) error {
	derived, release := s.store.Engine().Push(ctx, c)
	fnErr := fn(derived)
	relErr := release(ctx)
	if fnErr != nil {
		if relErr != nil {
			s.logger.Warn("coordinator release failed after operation error", "release_error", relErr)
		}
		return fnErr
	}
	return relErr
}

// PerformBufferedUpdates drains the context's active coordinator buffer inside
// one transaction, optionally narrowed to specific update labels.
func (s *Service) PerformBufferedUpdates(ctx context.Context, labels []string) error {
	engine := s.store.Engine()
	c := engine.Current(ctx)
	return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return engine.PerformBufferedUpdates(ctx, tx, c, labels)
	})
}

// BufferSize reports the buffered entry count of the context's active
// coordinator, optionally narrowed by generation and labels.
func (s *Service) BufferSize(ctx context.Context, generation *int, labels []string) int {
	engine := s.store.Engine()
	return engine.Current(ctx).BufferSize(engine.Registry(), generation, labels)
}

// ClearBuffer removes matching entries from the context's active coordinator
// buffer, returning the removed count and how many deeper-generation entries
// remain behind the cleared generation. A non-zero remainder violates the
// leaf-first drain order and is warned about, not failed.
func (s *Service) ClearBuffer(ctx context.Context, generation *int, labels []string) (removed, deeperRemaining int) {
	engine := s.store.Engine()
	removed, deeperRemaining = engine.Current(ctx).ClearBuffer(engine.Registry(), generation, labels)
	if deeperRemaining > 0 {
		s.logger.Warn("buffer cleared with deeper-generation entries remaining",
			"removed", removed, "deeper_remaining", deeperRemaining)
	}
	return removed, deeperRemaining
}

// RebuildMaintainedFields recomputes maintained fields across the whole store
// in one transaction. The out-of-band repair path behind the CLI.
func (s *Service) RebuildMaintainedFields(ctx context.Context, filter maintained.RebuildFilter) (maintained.RebuildSummary, error) {
	var summary maintained.RebuildSummary
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var rerr error
		summary, rerr = s.store.Engine().RebuildMaintainedFields(ctx, tx, filter)
		return rerr
	})
	return summary, err
}

// --- cache management ---------------------------------------------------

// CacheWarmSummary reports a cache warm pass.
type CacheWarmSummary struct {
	Computed int      `json:"computed"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// WarmCaches computes and stores every registered cached function for every
// record of the selected kinds. Compute failures are expected for records the
// metric is undefined on (no serum sample yet, zero abundance) and are
// reported, not fatal.
func (s *Service) WarmCaches(ctx context.Context, kinds []domain.Kind, functions []string) (CacheWarmSummary, error) {
	layer := s.store.Caches()
	if layer == nil {
		return CacheWarmSummary{}, fmt.Errorf("no cache layer configured")
	}
	if len(kinds) == 0 {
		kinds = layer.Kinds()
	}
	wanted := make(map[string]struct{}, len(functions))
	for _, f := range functions {
		wanted[f] = struct{}{}
	}

	var summary CacheWarmSummary
	err := s.store.ViewState(ctx, func(v domain.View) error {
		for _, kind := range kinds {
			for _, f := range layer.Functions(kind) {
				if len(wanted) > 0 {
					if _, ok := wanted[f.Name]; !ok {
						continue
					}
				}
				for _, ent := range v.List(kind) {
					if _, err := layer.Value(v, ent, f); err != nil {
						summary.Failed++
						summary.Errors = append(summary.Errors,
							fmt.Sprintf("%s %s %s: %v", kind, ent.EntityID(), f.Name, err))
						continue
					}
					summary.Computed++
				}
			}
		}
		return nil
	})
	return summary, err
}

// CachedValue returns the named cached function result for one record,
// computing and storing it on a miss.
func (s *Service) CachedValue(ctx context.Context, kind domain.Kind, id, function string) (any, error) {
	layer := s.store.Caches()
	if layer == nil {
		return nil, fmt.Errorf("no cache layer configured")
	}
	var fn *cache.Function
	for _, f := range layer.Functions(kind) {
		if f.Name == function {
			fn = &f
			break
		}
	}
	if fn == nil {
		return nil, fmt.Errorf("no cached function %q registered for kind %s", function, kind)
	}
	var value any
	err := s.store.ViewState(ctx, func(v domain.View) error {
		ent, ok := v.Get(kind, id)
		if !ok {
			return domain.StoreError{Kind: domain.ErrKindNotFound, Entity: kind, ID: id, Msg: "not found"}
		}
		var verr error
		value, verr = layer.Value(v, ent, *fn)
		return verr
	})
	return value, err
}

// ClearCaches drops every cached entry.
func (s *Service) ClearCaches() {
	if layer := s.store.Caches(); layer != nil {
		layer.Clear()
	}
}

// --- raw-file archival ----------------------------------------------------

// AttachRawFile archives a raw instrument file and records its key on the MS
// run. The key layout is msrun/<run id>/<base filename>.
func (s *Service) AttachRawFile(ctx context.Context, msRunID, filename string, r io.Reader) (*domain.MSRunSample, error) {
	if s.archive == nil {
		return nil, fmt.Errorf("no archive store configured")
	}
	run, err := s.GetMSRunSample(ctx, msRunID)
	if err != nil {
		return nil, err
	}
	key := path.Join("msrun", msRunID, path.Base(filename))
	info, err := s.archive.Put(ctx, key, r, archive.PutOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return nil, fmt.Errorf("archive raw file: %w", err)
	}
	run.RawFileKey = info.Key
	return s.SaveMSRunSample(ctx, run)
}

// OpenRawFile streams the archived raw instrument file of an MS run.
func (s *Service) OpenRawFile(ctx context.Context, msRunID string) (archive.Info, io.ReadCloser, error) {
	if s.archive == nil {
		return archive.Info{}, nil, fmt.Errorf("no archive store configured")
	}
	run, err := s.GetMSRunSample(ctx, msRunID)
	if err != nil {
		return archive.Info{}, nil, err
	}
	if run.RawFileKey == "" {
		return archive.Info{}, nil, fmt.Errorf("MS run %s has no archived raw file", msRunID)
	}
	return s.archive.Get(ctx, run.RawFileKey)
}
