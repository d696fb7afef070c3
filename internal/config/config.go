// Package config resolves the daemon's configuration surface (§6.1):
// CLI flags (cobra) override environment variables (DEVIT_*, CI) override
// an optional devitd.yaml file override built-in defaults, all layered by
// viper. A fsnotify watch on the config file re-applies non-socket settings
// live; socket/endpoint changes require a restart.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devit-sh/devitd/internal/telemetry"
)

// Config is the daemon's fully resolved configuration.
type Config struct {
	// Socket/endpoint settings — changing these requires a restart.
	DaemonSocket string
	TCPAddr      string

	// Secrets.
	BusSecret     string
	JournalSecret string

	// Filesystem roots.
	Workdir      string
	SandboxRoot  string
	ProjectRoot  string
	RegistryDir  string
	JournalPath  string

	// Orchestration.
	OrchestrationMode string
	NoAutoStart       bool

	// Policy.
	ProtectedPaths      []string
	ApprovalThresholds  map[string]string
	SnapshotRetention   int

	// Timing.
	ApprovalTimeout  time.Duration
	DefaultTaskTTL   time.Duration
	CleanupInterval  time.Duration
}

// Defaults returns the built-in configuration, the lowest-priority layer.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DaemonSocket:       "/tmp/devitd.sock",
		TCPAddr:            "",
		Workdir:            ".",
		SandboxRoot:        ".",
		ProjectRoot:        ".",
		RegistryDir:        filepath.Join(home, ".devit"),
		JournalPath:        filepath.Join(home, ".devit", "journal.jsonl"),
		OrchestrationMode:  "local",
		NoAutoStart:        false,
		ProtectedPaths:     []string{".env", ".git", "id_rsa", ".ssh"},
		ApprovalThresholds: map[string]string{},
		SnapshotRetention:  20,
		ApprovalTimeout:    15 * time.Minute,
		DefaultTaskTTL:     2 * time.Hour,
		CleanupInterval:    30 * time.Second,
	}
}

// BindFlags registers the daemon's CLI surface onto cmd, matching cobra's
// flag-binding idiom (`run` command takes the highest-priority overrides).
func BindFlags(cmd *cobra.Command) {
	cmd.Flags().String("socket", "", "unix socket path for the IPC bus")
	cmd.Flags().String("tcp-addr", "", "loopback-only TCP address for the IPC bus (overrides --socket)")
	cmd.Flags().String("workdir", "", "working root for patch/snapshot operations")
	cmd.Flags().String("sandbox-root", "", "sandbox bind-mount root")
	cmd.Flags().String("project-root", "", "project root for policy protected-path checks")
	cmd.Flags().String("config", "", "path to devitd.yaml")
	cmd.Flags().String("orchestration-mode", "", "orchestration backend mode (local|remote)")
	cmd.Flags().Bool("no-auto-start", false, "disable auto-starting delegated worker processes")
}

// Load resolves configuration from CLI flags, environment, an optional
// config file, and defaults, in that priority order.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	applyDefaults(v, Defaults())

	v.SetEnvPrefix("DEVIT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// A handful of env var names don't follow the flag-name-to-DEVIT_FLAG_NAME
	// convention AutomaticEnv derives automatically, so bind them explicitly.
	v.BindEnv("socket", "DEVIT_DAEMON_SOCKET")
	v.BindEnv("bus-secret", "DEVIT_SECRET")
	v.BindEnv("journal-secret", "DEVIT_JOURNAL_SECRET")
	v.BindEnv("ci", "CI")

	configFile := resolveConfigFile(cmd)
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
			}
		}
	}

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	return fromViper(v), nil
}

func resolveConfigFile(cmd *cobra.Command) string {
	if cmd != nil {
		if f, _ := cmd.Flags().GetString("config"); f != "" {
			return f
		}
	}
	if f := os.Getenv("DEVIT_CONFIG_FILE"); f != "" {
		return f
	}
	if _, err := os.Stat("devitd.yaml"); err == nil {
		return "devitd.yaml"
	}
	return ""
}

func applyDefaults(v *viper.Viper, d Config) {
	v.SetDefault("socket", d.DaemonSocket)
	v.SetDefault("tcp-addr", d.TCPAddr)
	v.SetDefault("workdir", d.Workdir)
	v.SetDefault("sandbox-root", d.SandboxRoot)
	v.SetDefault("project-root", d.ProjectRoot)
	v.SetDefault("registry-dir", d.RegistryDir)
	v.SetDefault("journal-path", d.JournalPath)
	v.SetDefault("orchestration-mode", d.OrchestrationMode)
	v.SetDefault("no-auto-start", d.NoAutoStart)
	v.SetDefault("protected-paths", d.ProtectedPaths)
	v.SetDefault("snapshot-retention", d.SnapshotRetention)
	v.SetDefault("approval-timeout", d.ApprovalTimeout)
	v.SetDefault("default-task-ttl", d.DefaultTaskTTL)
	v.SetDefault("cleanup-interval", d.CleanupInterval)
	v.SetDefault("bus-secret", "")
	v.SetDefault("journal-secret", "")
}

func fromViper(v *viper.Viper) Config {
	return Config{
		DaemonSocket:       v.GetString("socket"),
		TCPAddr:            v.GetString("tcp-addr"),
		BusSecret:          v.GetString("bus-secret"),
		JournalSecret:      v.GetString("journal-secret"),
		Workdir:            v.GetString("workdir"),
		SandboxRoot:        v.GetString("sandbox-root"),
		ProjectRoot:        v.GetString("project-root"),
		RegistryDir:        v.GetString("registry-dir"),
		JournalPath:        v.GetString("journal-path"),
		OrchestrationMode:  v.GetString("orchestration-mode"),
		NoAutoStart:        v.GetBool("no-auto-start") || v.GetBool("ci"),
		ProtectedPaths:     v.GetStringSlice("protected-paths"),
		ApprovalThresholds: v.GetStringMapString("approval-thresholds"),
		SnapshotRetention:  v.GetInt("snapshot-retention"),
		ApprovalTimeout:    v.GetDuration("approval-timeout"),
		DefaultTaskTTL:     v.GetDuration("default-task-ttl"),
		CleanupInterval:    v.GetDuration("cleanup-interval"),
	}
}

// WatchReloadable re-reads configFile on change and hands the freshly
// resolved Config to onChange, for every setting except the socket/endpoint
// fields — those require a restart and are merely logged when altered.
func WatchReloadable(configFile string, log telemetry.Logger, onChange func(Config)) error {
	if configFile == "" {
		return nil
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}

	v := viper.New()
	applyDefaults(v, Defaults())
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: initial read %s: %w", configFile, err)
	}

	prevSocket := v.GetString("socket")
	prevTCP := v.GetString("tcp-addr")

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg := fromViper(v)
		if cfg.DaemonSocket != prevSocket || cfg.TCPAddr != prevTCP {
			log.Error(context.Background(), "config: socket/endpoint change requires a restart to take effect", "path", e.Name)
			cfg.DaemonSocket = prevSocket
			cfg.TCPAddr = prevTCP
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
