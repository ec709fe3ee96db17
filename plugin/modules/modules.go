// Package modules installs the built-in capability modules.
package modules

import (
	"fmt"

	"github.com/hrygo/divinesense-router/plugin/manifest"
)

// Module is a capability module shipped with the router: an embedded
// manifest plus the Go handlers it references.
type Module interface {
	Name() string
	Manifest() []byte
	Register(catalog *manifest.Catalog) error
}

// SourcePrefix marks loader sources of built-in modules.
const SourcePrefix = "builtin:"

// Install registers each module's handlers in the catalog and applies its
// manifest. Manifests loaded later with replace override built-ins.
func Install(loader *manifest.Loader, catalog *manifest.Catalog, mods ...Module) error {
	for _, m := range mods {
		if err := m.Register(catalog); err != nil {
			return fmt.Errorf("register %s handlers: %w", m.Name(), err)
		}
		if _, err := loader.LoadBytes(SourcePrefix+m.Name(), m.Manifest(), false); err != nil {
			return fmt.Errorf("install %s: %w", m.Name(), err)
		}
	}
	return nil
}
