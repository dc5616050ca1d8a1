package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/agentctl/pkg/apps"
	"github.com/cuemby/agentctl/pkg/cache"
	"github.com/cuemby/agentctl/pkg/config"
	"github.com/cuemby/agentctl/pkg/log"
	"github.com/cuemby/agentctl/pkg/manifest"
	"github.com/cuemby/agentctl/pkg/platform"
	"github.com/cuemby/agentctl/pkg/service"
	"github.com/cuemby/agentctl/pkg/transport"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "agentctl - remote code-distribution endpoint agent",
	Long: `agentctl enrolls an endpoint with a management backend, pulls a
signed manifest of executable modules, and schedules them according to
server-pushed task configurations.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("system-config", "/etc/agentctl/system.json", "Path to the signed system config layer")
	rootCmd.PersistentFlags().String("user-config", "/var/lib/agentctl/user.json", "Path to the mutable user config layer")
	rootCmd.PersistentFlags().String("config-pubkey", "", "PEM-encoded RSA public key verifying the system config layer")
	rootCmd.PersistentFlags().String("manifest-pubkey", "", "PEM-encoded RSA public key verifying the code manifest")
	rootCmd.PersistentFlags().String("base-url", "", "Base URL of the management backend")
	rootCmd.PersistentFlags().String("os-type", "", "Override the detected OS type reported to the backend")
	rootCmd.PersistentFlags().String("cache-dir", "/var/lib/agentctl/cache", "Directory for the bbolt content cache")
	rootCmd.PersistentFlags().Int("cache-max-entries", 0, "Maximum cache entries before least-recently-stored eviction (0 = unbounded)")
	rootCmd.PersistentFlags().String("bin-cache-dir", "/var/lib/agentctl/bin", "Directory BIN modules are written to before loading")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode (debug log level, preview handlers, plugin dir)")
	rootCmd.PersistentFlags().String("plugin-dir", "", "Directory of debug .so plugins to load (debug mode only)")

	rootCmd.AddCommand(runCmd, workerRunCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentctl version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent service in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")

		configPubkey, err := loadPubkeyFlag(cmd, "config-pubkey")
		if err != nil {
			return err
		}
		manifestPubkey, err := loadPubkeyFlag(cmd, "manifest-pubkey")
		if err != nil {
			return err
		}

		selfPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve self path: %w", err)
		}

		systemConfig, _ := cmd.Flags().GetString("system-config")
		userConfig, _ := cmd.Flags().GetString("user-config")
		baseURL, _ := cmd.Flags().GetString("base-url")
		osType, _ := cmd.Flags().GetString("os-type")
		cacheDir, _ := cmd.Flags().GetString("cache-dir")
		cacheMax, _ := cmd.Flags().GetInt("cache-max-entries")
		binCacheDir, _ := cmd.Flags().GetString("bin-cache-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pollDelay, _ := cmd.Flags().GetDuration("poll-delay")
		stopTries, _ := cmd.Flags().GetInt("stop-tries")
		previewBase, _ := cmd.Flags().GetString("preview-base")

		svc := service.New(service.Config{
			SystemConfigPath: systemConfig,
			UserConfigPath:   userConfig,
			ConfigPubkey:     configPubkey,
			ManifestPubkey:   manifestPubkey,
			BaseURL:          baseURL,
			Version:          Version,
			OSType:           osType,
			CacheDir:         cacheDir,
			CacheMaxEntries:  cacheMax,
			BinCacheDir:      binCacheDir,
			SelfPath:         selfPath,
			PollDelay:        pollDelay,
			StopTries:        stopTries,
			Debug:            debug,
			PreviewBase:      previewBase,
			MetricsAddr:      metricsAddr,
		})

		return svc.Run(context.Background())
	},
}

func init() {
	runCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus /metrics on (empty disables)")
	runCmd.Flags().Duration("poll-delay", 0, "Override the scheduler's default poll interval")
	runCmd.Flags().Int("stop-tries", 0, "Override the scheduler's default stop-retry budget")
	runCmd.Flags().String("preview-base", "", "Directory debug preview_upload/download confine paths to")
}

// workerRunCmd is the re-exec target worker.Host.Spawn launches for
// every task run. It is never invoked directly by an operator.
var workerRunCmd = &cobra.Command{
	Use:    "worker-run",
	Short:  "Internal: run a single task module (invoked by the agent itself)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd)
	},
}

// spawnPayload mirrors worker.Host's unexported wire struct; it is
// redeclared here because the two live in separate processes
// connected only by a stdin pipe.
type spawnPayload struct {
	Module    string            `json:"module"`
	Args      []string          `json:"args"`
	Kwargs    map[string]string `json:"kwargs"`
	ConfigID  string            `json:"config_id"`
	AuthToken string            `json:"auth_token"`
}

func runWorker(cmd *cobra.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("worker-run").Error().Interface("panic", r).Msg("uncaught panic in task module")
			os.Exit(-1)
		}
	}()

	raw, readErr := io.ReadAll(os.Stdin)
	if readErr != nil {
		return fmt.Errorf("read spawn payload: %w", readErr)
	}
	var payload spawnPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode spawn payload: %w", err)
	}

	debug, _ := cmd.Flags().GetBool("debug")
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: level, JSONOutput: logJSON})
	logger := log.WithTask(payload.Module)

	configPubkey, err := loadPubkeyFlag(cmd, "config-pubkey")
	if err != nil {
		return err
	}
	manifestPubkey, err := loadPubkeyFlag(cmd, "manifest-pubkey")
	if err != nil {
		return err
	}
	systemConfig, _ := cmd.Flags().GetString("system-config")
	userConfig, _ := cmd.Flags().GetString("user-config")
	baseURL, _ := cmd.Flags().GetString("base-url")
	osType, _ := cmd.Flags().GetString("os-type")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	binCacheDir, _ := cmd.Flags().GetString("bin-cache-dir")
	pluginDir, _ := cmd.Flags().GetString("plugin-dir")

	store, err := config.Open(systemConfig, userConfig, configPubkey)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer store.Close()

	session, err := transport.NewSession(store, baseURL, Version, osType)
	if err != nil {
		return fmt.Errorf("build transport session: %w", err)
	}
	session.SetAuthenticator(&injectedToken{token: payload.AuthToken})

	workerCache, err := cache.Open(cacheDir, 0)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer workerCache.Close()

	registry := apps.NewRegistry()
	debugBypass := debug && pluginDir != ""
	if debugBypass {
		if err := apps.LoadDebugPlugins(pluginDir, registry); err != nil {
			logger.Warn().Err(err).Msg("debug plugin load failed")
		}
	}

	ctor, ok := registry.ResolveName(payload.Module)
	if !ok {
		// §4.4 debug bypass only applies once a plugin actually resolves
		// the module; otherwise fall through to the normal signed-manifest
		// loader even in debug mode.
		fetchManifest, fetchCode := manifest.HTTPFetchers(session)
		mgr := manifest.NewManager(manifest.Config{
			Cache:         workerCache,
			Pubkey:        manifestPubkey,
			BinCacheDir:   binCacheDir,
			FetchManifest: fetchManifest,
			FetchCode:     fetchCode,
		})
		if err := mgr.Load(context.Background()); err != nil {
			logger.Error().Err(err).Msg("worker failed to load manifest")
			os.Exit(-2)
		}

		nameHash := apps.NameHash(payload.Module)
		if _, lookupErr := mgr.Lookup(nameHash); lookupErr != nil {
			logger.Error().Err(lookupErr).Str("module", payload.Module).Msg("module not found in manifest")
			os.Exit(-2)
		}
		logger.Error().Str("module", payload.Module).Msg("module is not registered in this binary's closed app set")
		os.Exit(-2)
	}

	info := platform.Info(store.GetString("INSTANCE_ID", ""), Version)
	app := ctor(apps.Platform{
		InstanceID: info.InstanceID,
		OS:         info.OS,
		Arch:       info.Arch,
		Version:    info.Version,
		AuthToken:  payload.AuthToken,
	})

	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			if err := app.Stop(); err != nil {
				logger.Warn().Err(err).Msg("app stop returned an error")
			}
		case <-done:
		}
	}()

	code := app.Run(payload.Args, payload.Kwargs)
	close(done)
	signal.Stop(sigCh)
	os.Exit(code)
	return nil
}

// injectedToken satisfies transport.Authenticator with a bearer token
// the parent process already obtained; the worker process never
// enrolls or authenticates on its own.
type injectedToken struct {
	token string
}

func (t *injectedToken) Authenticate(ctx context.Context) error { return nil }
func (t *injectedToken) Token() (string, bool)                  { return t.token, t.token != "" }

func loadPubkeyFlag(cmd *cobra.Command, flag string) (*rsa.PublicKey, error) {
	path, _ := cmd.Flags().GetString(flag)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", flag, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", flag)
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: parse public key: %w", flag, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA public key", flag)
	}
	return pub, nil
}
