package platform

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	info := Info("instance-123", "1.2.3")

	assert.Equal(t, "instance-123", info.InstanceID)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.NotEmpty(t, info.Hostname)
}
