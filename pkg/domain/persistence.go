package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies store failures so callers can branch on the failure
// class without matching on message text or backend-specific error types.
type ErrorKind string

// Store failure classes surfaced across the persistence boundary.
const (
	// ErrKindNotFound reports a lookup of a missing record.
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindConflict reports a uniqueness or reference violation.
	ErrKindConflict ErrorKind = "conflict"
	// ErrKindTxInvalid reports an operation attempted against a transaction
	// in an unusable state.
	ErrKindTxInvalid ErrorKind = "tx_invalid"
)

// StoreError is the typed error returned across the store boundary.
type StoreError struct {
	Kind   ErrorKind
	Entity Kind
	ID     string
	Msg    string
}

func (e StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Entity, e.Msg)
}

// IsNotFound reports whether err is a not-found store error.
func IsNotFound(err error) bool { return hasErrorKind(err, ErrKindNotFound) }

// IsConflict reports whether err is a uniqueness/reference conflict.
func IsConflict(err error) bool { return hasErrorKind(err, ErrKindConflict) }

// IsTxInvalid reports whether err is an invalid-transaction-state error.
func IsTxInvalid(err error) bool { return hasErrorKind(err, ErrKindTxInvalid) }

func hasErrorKind(err error, kind ErrorKind) bool {
	var se StoreError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// View provides read access to a consistent snapshot of stored records.
type View interface {
	// Get returns the record with the given kind and primary key.
	Get(kind Kind, id string) (Entity, bool)
	// List returns every record of a kind. Order is unspecified.
	List(kind Kind) []Entity
}

// Mutator extends View with raw persistence operations. Put and Remove do not
// trigger maintained-field propagation; they are the primitive used by the
// propagation engine itself and by backends restoring snapshots.
type Mutator interface {
	View
	Put(Entity) error
	Remove(kind Kind, id string) error
}

// Snapshot is the serializable full state of a store, bucketed by kind. It is
// the exchange format between the in-memory store and durable backends.
type Snapshot map[Kind][]Entity

// PersistentStore is the minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	ViewState(ctx context.Context, fn func(View) error) error
	Close() error
}

// Transaction exposes the mutation operations a persistence implementation
// must support within an atomic scope. Save and Delete run the full
// save/delete pipeline including maintained-field propagation.
type Transaction interface {
	Mutator
	Save(ctx context.Context, e Entity) error
	Delete(ctx context.Context, kind Kind, id string) error
}
