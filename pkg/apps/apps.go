// Package apps is the worker host's closed set of executable
// application modules. Go has no dynamic bytecode import, so where
// the original resolves `apps.<module>` via importlib.import_module,
// this registry resolves it via a name-hash lookup built at compile
// time (Design Note §9).
package apps

import (
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/cuemby/agentctl/pkg/types"
)

// ErrUnknownApp is returned when a manifest name hash or logical name
// has no registered constructor.
var ErrUnknownApp = errors.New("apps: unknown module")

// Platform is the context handed to every app at construction time,
// the Go analog of settings.Config().PLATFORM passed to APPCLASS.
type Platform struct {
	InstanceID string
	OS         string
	Arch       string
	Version    string
	AuthToken  string
}

// App is one executable application module: the worker process
// instantiates exactly one per run and calls Run with the task
// configuration's positional/keyword arguments.
type App interface {
	// Run executes the app to completion and returns its exit code.
	Run(args []string, kwargs map[string]string) int
	// Stop asks a running app to end early, invoked by the worker's
	// stop watcher when the scheduler requests termination.
	Stop() error
}

// Constructor builds an App bound to platform.
type Constructor func(Platform) App

type entry struct {
	name  string
	ctor  Constructor
	flags types.ModuleFlag
}

// Registry is the set of app constructors this binary was built with.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]entry
	byHash map[[32]byte]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]entry), byHash: make(map[[32]byte]entry)}
}

// NameHash returns the manifest name hash for a logical app name,
// SHA-256("apps.<name>") per §3/§4.4.
func NameHash(name string) [32]byte {
	return sha256.Sum256([]byte("apps." + name))
}

// Register adds a named app constructor under its manifest flags,
// indexed both by logical name and by its manifest name hash.
func (r *Registry) Register(name string, flags types.ModuleFlag, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := entry{name: name, ctor: ctor, flags: flags}
	r.byName[name] = e
	r.byHash[NameHash(name)] = e
}

// Resolve looks up a registered app by its manifest name hash, the
// path the worker entrypoint takes once it has a task's module field
// and needs to map it through the loaded manifest.
func (r *Registry) Resolve(nameHash [32]byte) (Constructor, types.ModuleFlag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHash[nameHash]
	if !ok {
		return nil, 0, ErrUnknownApp
	}
	return e.ctor, e.flags, nil
}

// ResolveName looks up a registered app by its logical name directly,
// used when the caller already knows the name (e.g. from spawnPayload)
// and only needs the constructor, not manifest flags.
func (r *Registry) ResolveName(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.ctor, true
}
