package manifest

import (
	"context"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/agentctl/pkg/log"
	"github.com/cuemby/agentctl/pkg/metrics"
	"github.com/cuemby/agentctl/pkg/security"
	"github.com/cuemby/agentctl/pkg/types"
)

const cacheTag = "importer"

// Failure taxonomy (§4.4/§7): every caller-visible manifest/module
// error is one of these sentinels, wrapped with fmt.Errorf("%w: ...").
var (
	ErrNoManifest      = errors.New("manifest: unavailable")
	ErrManifestInvalid = errors.New("manifest: signature invalid")
	ErrModuleNotFound  = errors.New("manifest: module not found")
	ErrModuleCorrupted = errors.New("manifest: module corrupted")
)

// Cache is the subset of pkg/cache.Cache the manager needs.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, tag string, ttl time.Duration) error
	Evict(tag string) error
}

// Manager owns the (finder, loader) pair: it fetches, verifies, and
// caches the manifest, and resolves individual module code blobs.
type Manager struct {
	cache   Cache
	pubkey  *rsa.PublicKey
	binDir  string
	sleep   time.Duration
	retries int // 0 means unbounded, matching source fidelity

	fetchManifest func(ctx context.Context, sinceTimestamp uint64) ([]byte, time.Duration, error)
	fetchCode     func(ctx context.Context, nameHash [32]byte) ([]byte, time.Duration, error)

	mu        sync.RWMutex
	current   *Manifest
	timestamp uint64
}

// Config collects the dependencies Manager.Load needs beyond the
// manifest bytes themselves.
type Config struct {
	Cache      Cache
	Pubkey     *rsa.PublicKey
	BinCacheDir string
	RetrySleep  time.Duration
	RetryBudget int // 0 = unbounded

	// FetchManifest performs the "GET code_manifest?cur=N" call and
	// returns the raw blob plus the server's Cache-Control max-age
	// (zero meaning "do not cache").
	FetchManifest func(ctx context.Context, sinceTimestamp uint64) ([]byte, time.Duration, error)
	// FetchCode performs "GET code_pkg?id=<hex>" for a single module.
	FetchCode func(ctx context.Context, nameHash [32]byte) ([]byte, time.Duration, error)
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) *Manager {
	sleep := cfg.RetrySleep
	if sleep <= 0 {
		sleep = 5 * time.Second
	}
	return &Manager{
		cache:         cfg.Cache,
		pubkey:        cfg.Pubkey,
		binDir:        cfg.BinCacheDir,
		sleep:         sleep,
		retries:       cfg.RetryBudget,
		fetchManifest: cfg.FetchManifest,
		fetchCode:     cfg.FetchCode,
	}
}

// Load implements the cache-then-network-then-verify loop: try the
// cached blob first, then poll the network until a verified manifest
// is obtained or the retry budget (if any) is exhausted. On a verify
// failure it purges the importer cache tag and the binary module
// cache directory before retrying, per the original loader's
// integrity-violation response.
func (m *Manager) Load(ctx context.Context) error {
	logger := log.WithComponent("manifest")

	if raw, ok := m.cache.Get("manifest"); ok {
		parsed, err := Parse(raw)
		if err == nil {
			if err := parsed.Verify(m.pubkey); err == nil {
				m.install(parsed)
				return nil
			} else {
				logger.Error().Err(err).Msg("cached manifest integrity error, purging cache")
				m.purge()
			}
		} else {
			logger.Error().Err(err).Msg("cached manifest parse error, purging cache")
			m.purge()
		}
	}

	attempt := 0
	for {
		attempt++
		raw, ttl, err := m.fetchManifest(ctx, m.timestamp)
		if err != nil {
			logger.Warn().Err(err).Msg("manifest fetch failed")
		} else {
			parsed, parseErr := Parse(raw)
			if parseErr == nil {
				if verifyErr := parsed.Verify(m.pubkey); verifyErr == nil {
					if ttl > 0 {
						_ = m.cache.Set("manifest", raw, cacheTag, ttl)
					}
					m.install(parsed)
					return nil
				} else {
					logger.Error().Err(verifyErr).Msg("manifest integrity error, purging cache")
					m.purge()
				}
			} else {
				logger.Error().Err(parseErr).Msg("manifest parse error")
			}
		}

		if m.retries > 0 && attempt >= m.retries {
			return fmt.Errorf("%w: exceeded retry budget", ErrNoManifest)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.sleep):
		}
	}
}

// purge evicts the importer cache tag and the binary module cache
// directory, the response to any manifest integrity failure regardless
// of whether the bad blob came from cache or network (§4.4 step 3).
func (m *Manager) purge() {
	_ = m.cache.Evict(cacheTag)
	if m.binDir != "" {
		_ = os.RemoveAll(m.binDir)
	}
}

func (m *Manager) install(parsed *Manifest) {
	m.mu.Lock()
	m.current = parsed
	for _, body := range parsed.Bodies {
		if body.Timestamp > m.timestamp {
			m.timestamp = body.Timestamp
		}
	}
	m.mu.Unlock()
}

// Lookup resolves nameHash against the currently loaded manifest,
// exposing the module record (flags, content key, code hash) a caller
// needs to Decrypt what FetchModule returns.
func (m *Manager) Lookup(nameHash [32]byte) (*types.ModuleRecord, error) {
	return m.lookup(nameHash)
}

// lookup resolves nameHash against the currently loaded manifest.
func (m *Manager) lookup(nameHash [32]byte) (*types.ModuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ErrNoManifest
	}
	mod, ok := m.current.Lookup(nameHash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, hex.EncodeToString(nameHash[:]))
	}
	return mod, nil
}

// FetchModule returns the encrypted code blob for nameHash, cache
// first, network fallback. NOCACHE modules bypass storage entirely.
func (m *Manager) FetchModule(ctx context.Context, nameHash [32]byte) ([]byte, error) {
	mod, err := m.lookup(nameHash)
	if err != nil {
		return nil, err
	}

	key := hex.EncodeToString(nameHash[:])
	if !mod.Flags.Has(types.FlagNoCache) {
		if blob, ok := m.cache.Get(key); ok {
			return blob, nil
		}
	}

	metrics.ModuleFetchesTotal.WithLabelValues("network").Inc()
	blob, ttl, err := m.fetchCode(ctx, nameHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModuleNotFound, key, err)
	}

	if ttl > 0 && !mod.Flags.Has(types.FlagNoCache) {
		_ = m.cache.Set(key, blob, cacheTag, ttl)
	}
	return blob, nil
}

// Decrypt verifies blob's SHA-256 content hash and AES-CFB decrypts
// it using mod's key.
func (m *Manager) Decrypt(blob []byte, mod *types.ModuleRecord) ([]byte, error) {
	if !security.VerifyContentHash(blob, mod.CodeHash) {
		metrics.ModuleDecryptFailuresTotal.Inc()
		return nil, ErrModuleCorrupted
	}
	plain, err := security.DecryptModule(blob, mod.Key[:])
	if err != nil {
		metrics.ModuleDecryptFailuresTotal.Inc()
		return nil, fmt.Errorf("%w: %v", ErrModuleCorrupted, err)
	}
	return plain, nil
}

// ParseMaxAge reads a "max-age=N" Cache-Control header value; absent
// or malformed headers yield a zero (do-not-cache) TTL.
func ParseMaxAge(header string) time.Duration {
	if !strings.HasPrefix(header, "max-age=") {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimPrefix(header, "max-age="))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// BinCachePath returns the on-disk path a BIN module is written to
// before being opened as a plugin.
func BinCachePath(binDir, name, ext string) string {
	return filepath.Join(binDir, name+"."+ext)
}
