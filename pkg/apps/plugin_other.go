//go:build !linux && !darwin

package apps

import "fmt"

// LoadDebugPlugins is unavailable on platforms without cgo plugin
// support (§4.4 notes PermissionDenied is tolerated on the platforms
// that do support it; here there is nothing to tolerate).
func LoadDebugPlugins(dir string, reg *Registry) error {
	return fmt.Errorf("apps: debug plugin loading is not supported on this platform")
}
