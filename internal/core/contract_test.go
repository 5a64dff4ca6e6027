package core

import (
	"go/types"
	"testing"

	"golang.org/x/tools/go/packages"
)

// Only the sanctioned persistence packages may provide concrete
// implementations of domain.PersistentStore. This guards against new backends
// appearing outside the vetted locations without an explicit test update.
func TestPersistentStoreImplementationsHardening(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedTypes, Tests: true}
	pkgs, err := packages.Load(cfg, "tracebase/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var persistentStore *types.Interface
	for _, p := range pkgs {
		if p.PkgPath != "tracebase/pkg/domain" {
			continue
		}
		obj := p.Types.Scope().Lookup("PersistentStore")
		if obj == nil {
			t.Fatalf("domain.PersistentStore not found")
		}
		iface, ok := obj.Type().Underlying().(*types.Interface)
		if !ok {
			t.Fatalf("domain.PersistentStore is not an interface")
		}
		persistentStore = iface
	}
	if persistentStore == nil {
		t.Fatalf("failed to resolve PersistentStore interface")
	}

	allowed := map[string]struct{}{
		"tracebase/internal/core":                       {},
		"tracebase/internal/infra/persistence/sqlite":   {},
		"tracebase/internal/infra/persistence/postgres": {},
	}
	var unexpected []string
	for _, p := range pkgs {
		if p.Types == nil || p.Types.Scope() == nil {
			continue
		}
		for _, name := range p.Types.Scope().Names() {
			named, ok := p.Types.Scope().Lookup(name).Type().(*types.Named)
			if !ok {
				continue
			}
			if _, ok := named.Underlying().(*types.Struct); !ok {
				continue
			}
			if types.Implements(types.NewPointer(named), persistentStore) {
				if _, ok := allowed[p.PkgPath]; !ok {
					unexpected = append(unexpected, p.PkgPath+"."+name)
				}
			}
		}
	}
	if len(unexpected) > 0 {
		t.Fatalf("unexpected PersistentStore implementations (update the allowed list intentionally when adding a backend):\n%v", unexpected)
	}
}
