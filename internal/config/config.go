// Package config loads the runtime's tunables the same way the agent
// loads AgentConfiguration: a struct with defaults, overridable per field
// by an `env:"..."`-tagged environment variable, so the surrounding
// orchestration layer can tune a deployment without a code change.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// Config holds every tunable the supervisor and worker harness read at
// startup.
type Config struct {
	// WorkerHeapSizeMB is the nominal heap budget for a worker; the hard
	// ceiling the supervisor enforces is MaxOldGenerationSizeMB, i.e.
	// WorkerHeapSizeMB/1.2.
	WorkerHeapSizeMB int64 `env:"AIRDROP_WORKER_HEAP_SIZE_MB"`

	// Timeout bounds a single worker invocation's wall clock, capped at
	// 10 minutes regardless of this value.
	Timeout time.Duration `env:"AIRDROP_TIMEOUT"`

	// ArtifactSizeThresholdBytes is the cumulative artifact-metadata size
	// at which the adapter switches the worker into soft-timeout.
	ArtifactSizeThresholdBytes int64 `env:"AIRDROP_ARTIFACT_SIZE_THRESHOLD_BYTES"`

	// AttachmentBatchSize bounds the streaming pool's worker count,
	// clamped to [1, 50] by internal/streampool regardless of this value.
	AttachmentBatchSize int `env:"AIRDROP_ATTACHMENT_BATCH_SIZE"`

	// ItemBatchSize is the default Repository flush size for non-
	// attachment item types.
	ItemBatchSize int `env:"AIRDROP_ITEM_BATCH_SIZE"`

	// ProgressReportInterval is how many attachments the streaming pool
	// processes between progress log lines.
	ProgressReportInterval int `env:"AIRDROP_PROGRESS_REPORT_INTERVAL"`

	// SignalGracePeriod is how long the supervisor waits after asking a
	// worker to exit before escalating to SIGKILL.
	SignalGracePeriod time.Duration `env:"AIRDROP_SIGNAL_GRACE_PERIOD"`

	// ControlPlaneBaseURL and ArtifactStoreBaseURL are overridable so a
	// deployment can point the runtime at a staging control plane.
	ControlPlaneBaseURL  string `env:"AIRDROP_CONTROL_PLANE_BASE_URL"`
	ArtifactStoreBaseURL string `env:"AIRDROP_ARTIFACT_STORE_BASE_URL"`

	// UseLegacyEventNames enables translating outgoing canonical event
	// types back to their legacy aliases for downstream consumers.
	UseLegacyEventNames bool `env:"AIRDROP_USE_LEGACY_EVENT_NAMES"`

	// MetricsEnabled and MetricsListenAddr configure the optional
	// Prometheus exposition endpoint.
	MetricsEnabled    bool   `env:"AIRDROP_METRICS_ENABLED"`
	MetricsListenAddr string `env:"AIRDROP_METRICS_LISTEN_ADDR"`
}

// Default returns the configuration the spec documents as defaults,
// before any environment override is applied.
func Default() Config {
	return Config{
		WorkerHeapSizeMB:           512,
		Timeout:                    10 * time.Minute,
		ArtifactSizeThresholdBytes: 160 * 1024,
		AttachmentBatchSize:        10,
		ItemBatchSize:              2000,
		ProgressReportInterval:     50,
		SignalGracePeriod:          5 * time.Second,
		MetricsListenAddr:          ":9090",
	}
}

// MaxOldGenerationSizeMB is the hard per-worker heap cap the supervisor
// derives from WorkerHeapSizeMB, per §4.8.
func (c Config) MaxOldGenerationSizeMB() int64 {
	return int64(float64(c.WorkerHeapSizeMB) / 1.2)
}

// EffectiveTimeout clamps Timeout to the 10-minute ceiling §4.8 mandates.
func (c Config) EffectiveTimeout() time.Duration {
	const ceiling = 10 * time.Minute
	if c.Timeout <= 0 || c.Timeout > ceiling {
		return ceiling
	}
	return c.Timeout
}

// Load starts from Default and overrides any field whose env tag is set
// in the environment, as reported by getenv (os.LookupEnv in production,
// a map lookup in tests).
func Load(getenv func(string) (string, bool)) (Config, error) {
	c := Default()
	v := reflect.ValueOf(&c).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := getenv(tag)
		if !ok || raw == "" {
			continue
		}
		if err := setField(v.Field(i), raw); err != nil {
			return Config{}, fmt.Errorf("config: %s=%q: %w", tag, raw, err)
		}
	}
	return c, nil
}

// LoadFromEnviron is the production entry point, backed by os.LookupEnv.
func LoadFromEnviron() (Config, error) {
	return Load(os.LookupEnv)
}

func setField(f reflect.Value, raw string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int64:
		if f.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			f.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	default:
		return fmt.Errorf("unsupported config field kind %s", f.Kind())
	}
	return nil
}
