// Package agentlib collects the core's error taxonomy (§7) in one
// place so callers outside pkg/transport, pkg/manifest and pkg/config
// can classify a failure with errors.Is without importing each of
// those packages just for their sentinel. Each alias is the owning
// package's own sentinel value, so errors.Is matches either name.
// ErrUnauthorized and ErrNoNetwork are defined here and are not
// returned by any package.
package agentlib

import (
	"errors"

	"github.com/cuemby/agentctl/pkg/config"
	"github.com/cuemby/agentctl/pkg/manifest"
	"github.com/cuemby/agentctl/pkg/transport"
)

var (
	// ErrNoInstance: no INSTANCE_ID configured; a hard refusal, never retried.
	ErrNoInstance = transport.ErrNoInstance
	// ErrNoRoute: a logical endpoint has no route after a forced refresh.
	ErrNoRoute = transport.ErrRouteNotFound
	// ErrUnauthorized: a request failed re-authentication once.
	ErrUnauthorized = errors.New("agentlib: unauthorized")
	// ErrManifestInvalid: signature verification failed for a manifest bundle.
	ErrManifestInvalid = manifest.ErrManifestInvalid
	// ErrCorruptModule: a module blob's content hash or decryption failed.
	ErrCorruptModule = manifest.ErrModuleCorrupted
	// ErrUnknownModule: the manifest has no record for the requested module.
	ErrUnknownModule = manifest.ErrModuleNotFound
	// ErrConfigInvalid: the signed system config layer failed verification.
	ErrConfigInvalid = config.ErrConfigInvalid
	// ErrNoNetwork: a transport-level failure, retried by the caller's loop.
	ErrNoNetwork = errors.New("agentlib: no network")
)
