//go:build linux || darwin

package apps

import (
	"fmt"
	"path/filepath"
	"plugin"
	"strings"

	"github.com/cuemby/agentctl/pkg/types"
)

// LoadDebugPlugins scans dir for .so files exporting a NewApp symbol
// of type func(Platform) App, registering each under its filename
// (minus extension). This is the Go analog of the original's DEBUG +
// CODELIB_PATH sys.path extension (§9 Design Note): a local directory
// that bypasses the signed manifest entirely and is only ever wired
// up when DEBUG is set.
func LoadDebugPlugins(dir string, reg *Registry) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return fmt.Errorf("apps: scan plugin dir: %w", err)
	}
	for _, path := range matches {
		p, err := plugin.Open(path)
		if err != nil {
			// A plugin that fails to open is skipped; the remaining
			// files are still scanned.
			continue
		}
		sym, err := p.Lookup("NewApp")
		if err != nil {
			continue
		}
		ctor, ok := sym.(func(Platform) App)
		if !ok {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), ".so")
		reg.Register(name, types.FlagPkg, ctor)
	}
	return nil
}
