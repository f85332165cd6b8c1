package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/octolab/octolab/pkg/types"
)

// Config holds the full runtime configuration of the lifecycle core.
// Values come from OCTOLAB_* environment variables with defaults applied;
// Validate enforces the documented ranges before anything starts.
type Config struct {
	Runtime       string // compose | microvm | firecracker | noop
	DataDir       string // bolt database directory
	StateRoot     string // lab state directories, compose projects, bundles
	BindHost      string // host interface labs publish on
	APIAddr       string // internal HTTP listen address
	InternalToken string // shared secret for the internal API
	SecretsKey    string // passphrase for sealing lab credentials, falls back to InternalToken

	PortMin int
	PortMax int

	StartupTimeout  time.Duration
	TeardownTimeout time.Duration
	LabTTL          time.Duration

	TeardownWorkerEnabled     bool
	TeardownWorkerInterval    time.Duration
	TeardownWorkerBatchSize   int
	TeardownWorkerStartupTick bool

	ProvisionMaxParallel int

	ReadinessGating   bool
	ReadinessPaths    []string
	ReadinessTimeout  time.Duration
	ReadinessInterval time.Duration

	EvidenceRetention       time.Duration // finished labs
	EvidenceRetentionFailed time.Duration // failed labs
	RetentionDays           int           // default purge cutoff for the CLI

	RateLimitPerLabPerMinute int
	DedupTTL                 time.Duration

	VNCAuthMode            string // password | none
	DevUnsafeAllowNoJailer bool

	FirecrackerBin      string
	JailerBin           string
	KernelImage         string
	RootfsImage         string
	NetworkHelperSocket string

	GuacamoleURL      string
	SlackWebhookURL   string
	DiscordWebhookURL string

	WatchdogOlderThan time.Duration

	HealthObserverEnabled  bool
	HealthObserverInterval time.Duration
	HealthObserverFailures int

	LogLevel string
	LogJSON  bool
}

// Load reads configuration from the environment, applying defaults for
// everything that is unset. It does not validate; call Validate after.
func Load() *Config {
	return &Config{
		Runtime:       envString("OCTOLAB_RUNTIME", ""),
		DataDir:       envString("OCTOLAB_DATA_DIR", "/var/lib/octolab"),
		StateRoot:     envString("OCTOLAB_STATE_ROOT", "/var/lib/octolab/state"),
		BindHost:      envString("OCTOLAB_BIND_HOST", "127.0.0.1"),
		APIAddr:       envString("OCTOLAB_API_ADDR", "127.0.0.1:8800"),
		InternalToken: envString("OCTOLAB_INTERNAL_TOKEN", ""),
		SecretsKey:    envString("OCTOLAB_SECRETS_KEY", ""),

		PortMin: envInt("OCTOLAB_PORT_MIN", 30000),
		PortMax: envInt("OCTOLAB_PORT_MAX", 40000),

		StartupTimeout:  envSeconds("OCTOLAB_STARTUP_TIMEOUT_SECONDS", 300),
		TeardownTimeout: envSeconds("OCTOLAB_TEARDOWN_TIMEOUT_SECONDS", 120),
		LabTTL:          envMinutes("OCTOLAB_LAB_TTL_MINUTES", 90),

		TeardownWorkerEnabled:     envBool("OCTOLAB_TEARDOWN_WORKER_ENABLED", true),
		TeardownWorkerInterval:    envSeconds("OCTOLAB_TEARDOWN_WORKER_INTERVAL_SECONDS", 5),
		TeardownWorkerBatchSize:   envInt("OCTOLAB_TEARDOWN_WORKER_BATCH_SIZE", 5),
		TeardownWorkerStartupTick: envBool("OCTOLAB_TEARDOWN_WORKER_STARTUP_TICK", true),

		ProvisionMaxParallel: envInt("OCTOLAB_PROVISION_MAX_PARALLEL", 3),

		ReadinessGating:   envBool("OCTOLAB_READINESS_GATING", true),
		ReadinessPaths:    envList("OCTOLAB_READINESS_PATHS", []string{"/vnc.html", "/"}),
		ReadinessTimeout:  envSeconds("OCTOLAB_READINESS_TIMEOUT_SECONDS", 60),
		ReadinessInterval: envMillis("OCTOLAB_READINESS_INTERVAL_MS", 500),

		EvidenceRetention:       envHours("OCTOLAB_EVIDENCE_RETENTION_HOURS", 24),
		EvidenceRetentionFailed: envHours("OCTOLAB_EVIDENCE_RETENTION_FAILED_HOURS", 6),
		RetentionDays:           envInt("OCTOLAB_RETENTION_DAYS", 7),

		RateLimitPerLabPerMinute: envInt("OCTOLAB_RATE_LIMIT_PER_LAB_PER_MINUTE", 120),
		DedupTTL:                 envSeconds("OCTOLAB_DEDUP_TTL_SECONDS", 300),

		VNCAuthMode:            envString("OCTOLAB_VNC_AUTH_MODE", "password"),
		DevUnsafeAllowNoJailer: envBool("OCTOLAB_DEV_UNSAFE_ALLOW_NO_JAILER", false),

		FirecrackerBin:      envString("OCTOLAB_FIRECRACKER_BIN", "/usr/local/bin/firecracker"),
		JailerBin:           envString("OCTOLAB_JAILER_BIN", "/usr/local/bin/jailer"),
		KernelImage:         envString("OCTOLAB_KERNEL_IMAGE", ""),
		RootfsImage:         envString("OCTOLAB_ROOTFS_IMAGE", ""),
		NetworkHelperSocket: envString("OCTOLAB_NETWORK_HELPER_SOCKET", ""),

		GuacamoleURL:      envString("OCTOLAB_GUACAMOLE_URL", ""),
		SlackWebhookURL:   envString("OCTOLAB_SLACK_WEBHOOK_URL", ""),
		DiscordWebhookURL: envString("OCTOLAB_DISCORD_WEBHOOK_URL", ""),

		WatchdogOlderThan: envMinutes("OCTOLAB_WATCHDOG_OLDER_THAN_MINUTES", 30),

		HealthObserverEnabled:  envBool("OCTOLAB_HEALTH_OBSERVER_ENABLED", true),
		HealthObserverInterval: envSeconds("OCTOLAB_HEALTH_OBSERVER_INTERVAL_SECONDS", 30),
		HealthObserverFailures: envInt("OCTOLAB_HEALTH_OBSERVER_FAILURES", 3),

		LogLevel: envString("OCTOLAB_LOG_LEVEL", "info"),
		LogJSON:  envBool("OCTOLAB_LOG_JSON", true),
	}
}

// Validate checks ranges and required settings. It returns the first
// problem found, phrased for an operator reading startup logs.
func (c *Config) Validate() error {
	switch types.RuntimeKind(normalizeRuntime(c.Runtime)) {
	case types.RuntimeCompose, types.RuntimeMicroVM, types.RuntimeNoop:
	case "":
		return fmt.Errorf("OCTOLAB_RUNTIME is required (compose, microvm, noop)")
	default:
		return fmt.Errorf("OCTOLAB_RUNTIME %q is not a known runtime (compose, microvm, noop)", c.Runtime)
	}

	if c.PortMin < 1024 || c.PortMin > 65535 {
		return fmt.Errorf("OCTOLAB_PORT_MIN %d out of range [1024,65535]", c.PortMin)
	}
	if c.PortMax < 1024 || c.PortMax > 65535 {
		return fmt.Errorf("OCTOLAB_PORT_MAX %d out of range [1024,65535]", c.PortMax)
	}
	if c.PortMin >= c.PortMax {
		return fmt.Errorf("OCTOLAB_PORT_MIN %d must be below OCTOLAB_PORT_MAX %d", c.PortMin, c.PortMax)
	}

	if c.StartupTimeout < 30*time.Second || c.StartupTimeout > 600*time.Second {
		return fmt.Errorf("OCTOLAB_STARTUP_TIMEOUT_SECONDS %v out of range [30,600]", c.StartupTimeout.Seconds())
	}
	if c.TeardownTimeout < 10*time.Second || c.TeardownTimeout > 600*time.Second {
		return fmt.Errorf("OCTOLAB_TEARDOWN_TIMEOUT_SECONDS %v out of range [10,600]", c.TeardownTimeout.Seconds())
	}
	if c.LabTTL < time.Minute {
		return fmt.Errorf("OCTOLAB_LAB_TTL_MINUTES must be at least 1")
	}

	if c.TeardownWorkerInterval < time.Second {
		return fmt.Errorf("OCTOLAB_TEARDOWN_WORKER_INTERVAL_SECONDS must be at least 1")
	}
	if c.TeardownWorkerBatchSize < 1 || c.TeardownWorkerBatchSize > 50 {
		return fmt.Errorf("OCTOLAB_TEARDOWN_WORKER_BATCH_SIZE %d out of range [1,50]", c.TeardownWorkerBatchSize)
	}
	if c.ProvisionMaxParallel < 1 || c.ProvisionMaxParallel > 32 {
		return fmt.Errorf("OCTOLAB_PROVISION_MAX_PARALLEL %d out of range [1,32]", c.ProvisionMaxParallel)
	}

	if len(c.ReadinessPaths) == 0 && c.ReadinessGating {
		return fmt.Errorf("OCTOLAB_READINESS_PATHS must not be empty while readiness gating is on")
	}
	if c.ReadinessInterval < 50*time.Millisecond {
		return fmt.Errorf("OCTOLAB_READINESS_INTERVAL_MS must be at least 50")
	}
	if c.ReadinessTimeout < time.Second {
		return fmt.Errorf("OCTOLAB_READINESS_TIMEOUT_SECONDS must be at least 1")
	}

	if c.RateLimitPerLabPerMinute < 1 {
		return fmt.Errorf("OCTOLAB_RATE_LIMIT_PER_LAB_PER_MINUTE must be at least 1")
	}
	if c.DedupTTL < time.Second {
		return fmt.Errorf("OCTOLAB_DEDUP_TTL_SECONDS must be at least 1")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("OCTOLAB_RETENTION_DAYS must be at least 1")
	}

	switch c.VNCAuthMode {
	case "password", "none":
	default:
		return fmt.Errorf("OCTOLAB_VNC_AUTH_MODE %q is not valid (password, none)", c.VNCAuthMode)
	}

	if c.InternalToken == "" {
		return fmt.Errorf("OCTOLAB_INTERNAL_TOKEN is required")
	}
	if len(c.InternalToken) < 16 {
		return fmt.Errorf("OCTOLAB_INTERNAL_TOKEN must be at least 16 characters")
	}
	if c.SecretsKey != "" && len(c.SecretsKey) < 16 {
		return fmt.Errorf("OCTOLAB_SECRETS_KEY must be at least 16 characters when set")
	}

	if c.RuntimeKind() == types.RuntimeMicroVM {
		if c.KernelImage == "" {
			return fmt.Errorf("OCTOLAB_KERNEL_IMAGE is required for the microvm runtime")
		}
		if c.RootfsImage == "" {
			return fmt.Errorf("OCTOLAB_ROOTFS_IMAGE is required for the microvm runtime")
		}
	}

	return nil
}

// RuntimeKind returns the configured runtime with aliases resolved.
// "firecracker" is accepted as an alias for microvm.
func (c *Config) RuntimeKind() types.RuntimeKind {
	return types.RuntimeKind(normalizeRuntime(c.Runtime))
}

// CredentialsPassphrase returns the passphrase used to seal lab
// credentials at rest. A dedicated key is preferred; deployments that
// only set the internal token reuse it.
func (c *Config) CredentialsPassphrase() string {
	if c.SecretsKey != "" {
		return c.SecretsKey
	}
	return c.InternalToken
}

func normalizeRuntime(raw string) string {
	kind := strings.ToLower(strings.TrimSpace(raw))
	if kind == "firecracker" {
		return string(types.RuntimeMicroVM)
	}
	return kind
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envMinutes(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Minute
}

func envHours(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Hour
}

func envMillis(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Millisecond
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
