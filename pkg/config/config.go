// Package config is the two-layer settings store: an RSA-PSS-signed
// system layer written at provisioning time, and a mutable user layer
// the agent updates itself (the enrollment token). Both layers live as JSON files on disk and are watched
// with fsnotify so an external rewrite of either file is picked up
// without a restart.
package config

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/agentctl/pkg/log"
	"github.com/cuemby/agentctl/pkg/security"
)

// ErrConfigInvalid is returned by Open and Reload when the system layer's
// signature does not verify. The service shell treats this as fatal.
var ErrConfigInvalid = errors.New("config: system layer signature invalid")

// signedLayer is the on-disk envelope for the system settings file.
type signedLayer struct {
	Data string `json:"data"` // base64(json settings map)
	Sign string `json:"sign"` // base64(rsa_pss_sha512(data))
}

// Store holds the system (read-only, signed) and user (mutable)
// setting overlays. Get checks the user layer first, then system.
type Store struct {
	systemPath string
	userPath   string
	pubkey     *rsa.PublicKey

	mu     sync.RWMutex
	system map[string]interface{}
	user   map[string]interface{}

	watcher    *fsnotify.Watcher
	reloadOnce sync.Once
	debounce   *time.Timer
	debounceMu sync.Mutex
}

// Open loads both layers and starts an fsnotify watch on their
// directories. pubkey verifies the system layer's signature; a nil
// pubkey disables verification (cmd/agentctl passes nil when no
// --config-pubkey is given).
func Open(systemPath, userPath string, pubkey *rsa.PublicKey) (*Store, error) {
	s := &Store{
		systemPath: systemPath,
		userPath:   userPath,
		pubkey:     pubkey,
		system:     map[string]interface{}{},
		user:       map[string]interface{}{},
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	for _, p := range []string{filepath.Dir(systemPath), filepath.Dir(userPath)} {
		if err := watcher.Add(p); err != nil {
			log.WithComponent("config").Warn().Err(err).Str("dir", p).Msg("cannot watch config directory")
		}
	}
	s.watcher = watcher
	go s.watchLoop()

	return s, nil
}

// Close stops the fsnotify watcher.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if ev.Name != s.systemPath && ev.Name != s.userPath {
				continue
			}
			s.debouncedReload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.WithComponent("config").Warn().Err(err).Msg("watcher error")
		}
	}
}

// debouncedReload coalesces bursts of filesystem events (editors
// often write-then-rename) into a single Reload 250ms later.
func (s *Store) debouncedReload() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(250*time.Millisecond, func() {
		if err := s.Reload(); err != nil {
			log.WithComponent("config").Error().Err(err).Msg("reload failed")
		}
	})
}

// Reload re-reads both layers from disk.
func (s *Store) Reload() error {
	system, err := s.loadSystem()
	if err != nil {
		return err
	}
	user, err := loadUser(s.userPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.system = system
	s.user = user
	s.mu.Unlock()
	return nil
}

func (s *Store) loadSystem() (map[string]interface{}, error) {
	raw, err := os.ReadFile(s.systemPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read system layer: %w", err)
	}

	var layer signedLayer
	if err := json.Unmarshal(raw, &layer); err != nil {
		return nil, fmt.Errorf("config: decode system layer: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(layer.Data)
	if err != nil {
		return nil, fmt.Errorf("config: decode system data: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(layer.Sign)
	if err != nil {
		return nil, fmt.Errorf("config: decode system signature: %w", err)
	}

	if s.pubkey != nil {
		if err := security.VerifyPSS(s.pubkey, data, sig); err != nil {
			return nil, ErrConfigInvalid
		}
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("config: decode system settings: %w", err)
	}
	return settings, nil
}

func loadUser(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read user layer: %w", err)
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("config: decode user layer: %w", err)
	}
	return settings, nil
}

// Get looks up key, checking the user layer before the system layer.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.user[key]; ok {
		return v, true
	}
	v, ok := s.system[key]
	return v, ok
}

// GetDefault returns Get's value or def if the key is absent.
func (s *Store) GetDefault(key string, def interface{}) interface{} {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// GetString is a typed convenience wrapper over Get.
func (s *Store) GetString(key, def string) string {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	str, ok := v.(string)
	if !ok {
		return def
	}
	return str
}

// AddSetting writes key=value into the user layer and persists it
// atomically (write to a temp file, then rename over the target).
func (s *Store) AddSetting(key string, value interface{}) (bool, error) {
	s.mu.Lock()
	s.user[key] = value
	snapshot := make(map[string]interface{}, len(s.user))
	for k, v := range s.user {
		snapshot[k] = v
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return false, fmt.Errorf("config: encode user layer: %w", err)
	}

	tmp := s.userPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return false, fmt.Errorf("config: write user layer: %w", err)
	}
	if err := os.Rename(tmp, s.userPath); err != nil {
		return false, fmt.Errorf("config: commit user layer: %w", err)
	}
	return true, nil
}
