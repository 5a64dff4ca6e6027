// Package maintained implements the derived-field maintenance engine: a
// dependency registry of updater descriptors, update coordinators controlling
// when recomputation happens, and the propagation engine that keeps maintained
// fields consistent as records are saved and deleted.
package maintained

import (
	"fmt"
	"strings"

	"tracebase/pkg/domain"
)

// NoMaintainedFunctionsError reports a kind flagged as maintained that has no
// registered updaters. This is a configuration error, detected lazily the
// first time a record of the kind passes through the engine.
type NoMaintainedFunctionsError struct {
	Kind domain.Kind
}

func (e NoMaintainedFunctionsError) Error() string {
	return fmt.Sprintf("kind %s is flagged for maintained fields but has no registered updaters", e.Kind)
}

// BadModelFieldsError reports an updater referencing fields or relations that
// do not exist on the kind's schema.
type BadModelFieldsError struct {
	Kind    domain.Kind
	Updater string
	Fields  []string
}

func (e BadModelFieldsError) Error() string {
	return fmt.Sprintf("updater %s on kind %s references unknown fields/relations: %s",
		e.Updater, e.Kind, strings.Join(e.Fields, ", "))
}

// InvalidRootGenerationError reports an updater whose generation and parent
// relation disagree: generation zero is reserved for hierarchy roots, which
// have no parent relation, and vice versa.
type InvalidRootGenerationError struct {
	Kind       domain.Kind
	Updater    string
	Generation int
	Parent     string
}

func (e InvalidRootGenerationError) Error() string {
	return fmt.Sprintf("updater %s on kind %s: generation %d with parent relation %q violates the root-generation rule",
		e.Updater, e.Kind, e.Generation, e.Parent)
}

// NotSettableError reports an attempt to assign a maintained field directly.
// Maintained fields are always produced by their registered update function.
type NotSettableError struct {
	Kind  domain.Kind
	Field string
}

func (e NotSettableError) Error() string {
	return fmt.Sprintf("field %s.%s is maintained and cannot be set directly", e.Kind, e.Field)
}

// InvalidModeError reports construction of a coordinator with an unknown mode.
type InvalidModeError struct {
	Mode Mode
}

func (e InvalidModeError) Error() string {
	return fmt.Sprintf("invalid auto-update mode %q", e.Mode)
}

// StaleModeError reports a mode-stacking protocol violation: starting a mass
// update or rebuild while another mass pass is already in flight.
type StaleModeError struct {
	Operation string
}

func (e StaleModeError) Error() string {
	return fmt.Sprintf("cannot start %s: a mass update is already in flight", e.Operation)
}

// AutoUpdateFailedError aborts a buffered mass-update pass: one entity's
// recompute or save failed, leaving the remaining buffer state suspect. The
// caller should clear the buffer before retrying the whole operation.
type AutoUpdateFailedError struct {
	Kind     domain.Kind
	ID       string
	Updaters []string
	Err      error
}

func (e AutoUpdateFailedError) Error() string {
	return fmt.Sprintf("auto-update of %s %s failed (updaters: %s): %v",
		e.Kind, e.ID, strings.Join(e.Updaters, ", "), e.Err)
}

func (e AutoUpdateFailedError) Unwrap() error { return e.Err }

// LikelyStaleBufferError wraps a uniqueness/reference conflict raised during a
// buffered mass update. The usual cause is a buffer left over from an earlier
// load; the guidance text is surfaced to operators verbatim.
type LikelyStaleBufferError struct {
	Kind domain.Kind
	ID   string
	Err  error
}

func (e LikelyStaleBufferError) Error() string {
	return fmt.Sprintf("conflict while mass-updating %s %s: %v; the update buffer is likely stale, clear it and retry",
		e.Kind, e.ID, e.Err)
}

func (e LikelyStaleBufferError) Unwrap() error { return e.Err }
