package sandbox

import "time"

// Status is the terminal outcome of one sandboxed execution.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusTimeout          Status = "timeout"
	StatusDeniedPermission Status = "denied-permission"
	StatusRuntimeError     Status = "runtime-error"
	StatusKilled           Status = "killed"
)

// Config enumerates the capability set granted to one execution.
// The zero value is deny-all: no network, no subprocess spawn, no
// environment visibility, no filesystem roots beyond the scratch dir.
type Config struct {
	AllowNetwork   bool          `yaml:"allow_network"`
	AllowSpawn     bool          `yaml:"allow_spawn"`
	ReadRoots      []string      `yaml:"read_roots"`
	WriteRoots     []string      `yaml:"write_roots"`
	EnvPassthrough []string      `yaml:"env_passthrough"`
	MemoryLimitMB  int           `yaml:"memory_limit_mb"`
	Timeout        time.Duration `yaml:"timeout"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	Interpreter    []string      `yaml:"interpreter"`
}

// withDefaults fills unset ceilings with the least-privilege defaults.
func (c Config) withDefaults() Config {
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = 64
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if len(c.Interpreter) == 0 {
		c.Interpreter = []string{"/bin/sh"}
	}
	return c
}

// Usage is the resource snapshot reported with every Result, success or not.
type Usage struct {
	WallTime   time.Duration `json:"wall_time"`
	MaxRSSKB   int64         `json:"max_rss_kb"`
	ExitSignal string        `json:"exit_signal,omitempty"`
}

// Result captures one sandboxed execution outcome.
type Result struct {
	Status   Status `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Usage    Usage  `json:"usage"`
}
