package maintained

import (
	"errors"
	"testing"

	"tracebase/pkg/domain"
)

func TestRegisterEnforcesRootGenerationRule(t *testing.T) {
	schemas := fixtureSchemas()
	reg := NewRegistry(schemas)

	cases := []struct {
		name string
		u    Updater
	}{
		{"root with parent", Updater{Name: "bad", Generation: 0, ParentRelation: "crate"}},
		{"non-root without parent", Updater{Name: "bad", Generation: 1}},
		{"negative generation", Updater{Name: "bad", Generation: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Register(kindItem, tc.u)
			var invalid InvalidRootGenerationError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidRootGenerationError, got %v", err)
			}
		})
	}
}

func TestEnsureValidatedRequiresUpdatersForMaintainedKinds(t *testing.T) {
	schemas := fixtureSchemas()
	reg := NewRegistry(schemas)

	err := reg.EnsureValidated(kindCrate)
	var missing NoMaintainedFunctionsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected NoMaintainedFunctionsError, got %v", err)
	}
}

func TestEnsureValidatedRejectsUnknownFieldsAndRelations(t *testing.T) {
	schemas := fixtureSchemas()

	cases := []struct {
		name string
		u    Updater
	}{
		{"unknown field", Updater{Name: "bad", Field: "nonexistent", Generation: 1, ParentRelation: "crate"}},
		{"non-maintained field", Updater{Name: "bad", Field: "code", Generation: 1, ParentRelation: "crate"}},
		{"unknown parent relation", Updater{Name: "bad", Field: "display", Generation: 1, ParentRelation: "container"}},
		{"unknown child relation", Updater{Name: "bad", Field: "display", Generation: 1, ParentRelation: "crate", ChildRelations: []string{"widgets"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry(schemas)
			if err := reg.Register(kindItem, tc.u); err != nil {
				t.Fatalf("Register: %v", err)
			}
			err := reg.EnsureValidated(kindItem)
			var bad BadModelFieldsError
			if !errors.As(err, &bad) {
				t.Fatalf("expected BadModelFieldsError, got %v", err)
			}
		})
	}
}

func TestEnsureValidatedAcceptsFixtureRegistry(t *testing.T) {
	schemas := fixtureSchemas()
	reg := fixtureRegistry(schemas)
	for _, kind := range []domain.Kind{kindCrate, kindItem} {
		if err := reg.EnsureValidated(kind); err != nil {
			t.Fatalf("EnsureValidated(%s): %v", kind, err)
		}
		// Memoized second pass.
		if err := reg.EnsureValidated(kind); err != nil {
			t.Fatalf("EnsureValidated(%s) second pass: %v", kind, err)
		}
	}
}

func TestLabelsAndMaxGeneration(t *testing.T) {
	schemas := fixtureSchemas()
	reg := fixtureRegistry(schemas)

	labels := reg.Labels(kindItem)
	if len(labels) != 2 || labels[0] != "audit" || labels[1] != "naming" {
		t.Fatalf("Labels(item) = %v, want [audit naming]", labels)
	}
	if got := reg.MaxGeneration(kindItem); got != 1 {
		t.Fatalf("MaxGeneration(item) = %d, want 1", got)
	}
	if got := reg.MaxGeneration(kindCrate); got != 0 {
		t.Fatalf("MaxGeneration(crate) = %d, want 0", got)
	}
}
