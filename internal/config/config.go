package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"perfsup/internal/logger"
)

// Duration wraps time.Duration so yaml values like "100ms" or "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	p, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(p)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full supervisor configuration. Zero values are filled in by
// Default(); Load overlays a yaml file on top of the defaults.
type Config struct {
	Workers    WorkersConfig    `yaml:"workers"`
	TaskQueue  TaskQueueConfig  `yaml:"task_queue"`
	Cache      CacheConfig      `yaml:"cache"`
	Balancer   BalancerConfig   `yaml:"load_balancer"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Scaler     ScalerConfig     `yaml:"auto_scaler"`
	Query      QueryConfig      `yaml:"query"`
	BufferPool BufferPoolConfig `yaml:"buffer_pool"`
	Logging    logger.Config    `yaml:"logging"`
}

// WorkersConfig controls the OS worker-process supervisor.
type WorkersConfig struct {
	// Count is the number of worker processes to maintain. 0 means NumCPU.
	Count int `yaml:"count"`
	// Command is the worker executable. Empty means re-exec the current
	// binary with PERFSUP_WORKER=1 in its environment.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	MaxMemoryPerWorker      int64    `yaml:"max_memory_per_worker"` // bytes
	RestartThreshold        float64  `yaml:"restart_threshold"`     // fraction of MaxMemoryPerWorker
	TelemetryInterval       Duration `yaml:"telemetry_interval"`
	GracefulShutdownTimeout Duration `yaml:"graceful_shutdown_timeout"`
	RespawnDelay            Duration `yaml:"respawn_delay"`
}

// TaskQueueConfig controls the worker-thread pool and its priority queue.
type TaskQueueConfig struct {
	// ThreadPoolSize is the fixed worker-goroutine count. 0 means 2x NumCPU.
	ThreadPoolSize int      `yaml:"thread_pool_size"`
	TaskTimeout    Duration `yaml:"task_timeout"`
	TickInterval   Duration `yaml:"tick_interval"`
	MaxQueueDepth  int      `yaml:"max_queue_depth"`
	// RequeueOnFault re-queues a task whose executor crashed mid-run.
	RequeueOnFault bool `yaml:"requeue_on_fault"`
}

// TierConfig is the budget for one cache tier.
type TierConfig struct {
	MaxBytes int64    `yaml:"max_bytes"`
	TTL      Duration `yaml:"ttl"`
}

// CacheConfig controls the multi-level response cache.
type CacheConfig struct {
	L1 TierConfig `yaml:"l1"`
	L2 TierConfig `yaml:"l2"`
	L3 TierConfig `yaml:"l3"`

	SweepInterval        Duration `yaml:"sweep_interval"`
	Compression          bool     `yaml:"compression"`
	CompressionThreshold int      `yaml:"compression_threshold"` // bytes
}

// BalancerConfig controls backend selection and health checking.
type BalancerConfig struct {
	Algorithm           string   `yaml:"algorithm"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	ProbeTimeout        Duration `yaml:"probe_timeout"`
	ProbePath           string   `yaml:"probe_path"`
	// ProbeRate caps health probes per second across all servers.
	ProbeRate float64 `yaml:"probe_rate"`
}

// AlertThresholds are compared against each monitor sample.
type AlertThresholds struct {
	CPUPercent    float64  `yaml:"cpu_percent"`
	MemoryPercent float64  `yaml:"memory_percent"`
	ResponseTime  Duration `yaml:"response_time"`
}

// MonitorConfig controls the performance monitor sampling loop.
type MonitorConfig struct {
	Interval        Duration        `yaml:"interval"`
	MaxSamples      int             `yaml:"max_samples"`
	RetentionWindow Duration        `yaml:"retention_window"`
	MemoryCeiling   int64           `yaml:"memory_ceiling"` // bytes, for heap ratio
	Alerts          AlertThresholds `yaml:"alerts"`
}

// ScalerConfig controls the auto-scaler.
type ScalerConfig struct {
	EvaluateInterval   Duration `yaml:"evaluate_interval"`
	ScaleUpThreshold   float64  `yaml:"scale_up_threshold"`   // percent load
	ScaleDownThreshold float64  `yaml:"scale_down_threshold"` // percent load
	MinInstances       int      `yaml:"min_instances"`
	MaxInstances       int      `yaml:"max_instances"`
	CooldownPeriod     Duration `yaml:"cooldown_period"`
	// ResponseTimeTarget normalizes p95 latency into a percent load figure.
	ResponseTimeTarget Duration `yaml:"response_time_target"`
}

// QueryConfig controls the query optimizer wrapper.
type QueryConfig struct {
	SlowQueryThreshold Duration `yaml:"slow_query_threshold"`
	CacheEnabled       bool     `yaml:"cache_enabled"`
	CacheTTL           Duration `yaml:"cache_ttl"`
	SlowLogSize        int      `yaml:"slow_log_size"`
}

// BufferPoolConfig controls the pre-allocated buffer pool.
type BufferPoolConfig struct {
	BufferSize int `yaml:"buffer_size"` // bytes per buffer
	Count      int `yaml:"count"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Workers: WorkersConfig{
			Count:                   runtime.NumCPU(),
			MaxMemoryPerWorker:      512 << 20,
			RestartThreshold:        0.9,
			TelemetryInterval:       Duration(10 * time.Second),
			GracefulShutdownTimeout: Duration(30 * time.Second),
			RespawnDelay:            Duration(time.Second),
		},
		TaskQueue: TaskQueueConfig{
			ThreadPoolSize: runtime.NumCPU() * 2,
			TaskTimeout:    Duration(30 * time.Second),
			TickInterval:   Duration(100 * time.Millisecond),
			MaxQueueDepth:  10000,
			RequeueOnFault: true,
		},
		Cache: CacheConfig{
			L1:                   TierConfig{MaxBytes: 16 << 20, TTL: Duration(time.Minute)},
			L2:                   TierConfig{MaxBytes: 64 << 20, TTL: Duration(10 * time.Minute)},
			L3:                   TierConfig{MaxBytes: 256 << 20, TTL: Duration(time.Hour)},
			SweepInterval:        Duration(60 * time.Second),
			Compression:          true,
			CompressionThreshold: 1024,
		},
		Balancer: BalancerConfig{
			Algorithm:           "round_robin",
			HealthCheckInterval: Duration(30 * time.Second),
			ProbeTimeout:        Duration(5 * time.Second),
			ProbePath:           "/health",
			ProbeRate:           50,
		},
		Monitor: MonitorConfig{
			Interval:        Duration(5 * time.Second),
			MaxSamples:      1000,
			RetentionWindow: Duration(10 * time.Minute),
			MemoryCeiling:   1 << 30,
			Alerts: AlertThresholds{
				CPUPercent:    80,
				MemoryPercent: 85,
				ResponseTime:  Duration(time.Second),
			},
		},
		Scaler: ScalerConfig{
			EvaluateInterval:   Duration(30 * time.Second),
			ScaleUpThreshold:   80,
			ScaleDownThreshold: 30,
			MinInstances:       1,
			MaxInstances:       8,
			CooldownPeriod:     Duration(60 * time.Second),
			ResponseTimeTarget: Duration(time.Second),
		},
		Query: QueryConfig{
			SlowQueryThreshold: Duration(time.Second),
			CacheEnabled:       true,
			CacheTTL:           Duration(5 * time.Minute),
			SlowLogSize:        100,
		},
		BufferPool: BufferPoolConfig{
			BufferSize: 64 << 10,
			Count:      256,
		},
		Logging: logger.DefaultConfig(),
	}
}

// Load reads a yaml file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the supervisor cannot run with.
func (c Config) Validate() error {
	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must be >= 0, got %d", c.Workers.Count)
	}
	if c.Workers.RestartThreshold <= 0 || c.Workers.RestartThreshold > 1 {
		return fmt.Errorf("workers.restart_threshold must be in (0,1], got %g", c.Workers.RestartThreshold)
	}
	if c.TaskQueue.TaskTimeout <= 0 {
		return fmt.Errorf("task_queue.task_timeout must be positive")
	}
	if c.TaskQueue.MaxQueueDepth <= 0 {
		return fmt.Errorf("task_queue.max_queue_depth must be positive")
	}
	for name, tier := range map[string]TierConfig{"l1": c.Cache.L1, "l2": c.Cache.L2, "l3": c.Cache.L3} {
		if tier.MaxBytes <= 0 {
			return fmt.Errorf("cache.%s.max_bytes must be positive", name)
		}
		if tier.TTL <= 0 {
			return fmt.Errorf("cache.%s.ttl must be positive", name)
		}
	}
	switch c.Balancer.Algorithm {
	case "round_robin", "weighted_round_robin", "least_connections", "fastest_response":
	default:
		return fmt.Errorf("unknown load_balancer.algorithm %q", c.Balancer.Algorithm)
	}
	if c.Scaler.MinInstances < 1 {
		return fmt.Errorf("auto_scaler.min_instances must be >= 1")
	}
	if c.Scaler.MaxInstances < c.Scaler.MinInstances {
		return fmt.Errorf("auto_scaler.max_instances (%d) below min_instances (%d)",
			c.Scaler.MaxInstances, c.Scaler.MinInstances)
	}
	if c.Scaler.ScaleDownThreshold >= c.Scaler.ScaleUpThreshold {
		return fmt.Errorf("auto_scaler.scale_down_threshold must be below scale_up_threshold")
	}
	return nil
}
