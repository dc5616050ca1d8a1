// Package platform builds the PlatformInfo payload the agent presents
// during enrollment and authentication.
package platform

import (
	"os"
	"runtime"

	"github.com/cuemby/agentctl/pkg/types"
)

// Info reports the current host's PlatformInfo, using instanceID as
// the stable device identifier and version as the agent's own
// release version.
func Info(instanceID, version string) types.PlatformInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return types.PlatformInfo{
		InstanceID: instanceID,
		Hostname:   hostname,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Version:    version,
	}
}
