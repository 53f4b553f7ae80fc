// Package config loads and validates the branchmindd TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root branchmindd configuration.
type Config struct {
	General    General    `toml:"general"`
	Features   Features   `toml:"features"`
	Jobs       Jobs       `toml:"jobs"`
	Reasoning  Reasoning  `toml:"reasoning"`
	Dispatch   Dispatch   `toml:"dispatch"`
	RateLimits RateLimits `toml:"rate_limits"`
	Cost       Cost       `toml:"cost"`
	Mesh       Mesh       `toml:"mesh"`
}

// General holds server-wide basics.
type General struct {
	LogLevel       string   `toml:"log_level"`
	StateDB        string   `toml:"state_db"`
	LockFile       string   `toml:"lock_file"`
	TickInterval   Duration `toml:"tick_interval"`
	SweepInterval  Duration `toml:"sweep_interval"` // control-center synthesis cadence
	RunnerBootHint string   `toml:"runner_boot_hint"`
}

// Features toggles fail-closed pipeline behaviors.
type Features struct {
	JobsSliceFirstFailClosed  bool `toml:"jobs_slice_first_fail_closed"`
	JobsUnknownArgsFailClosed bool `toml:"jobs_unknown_args_fail_closed"`
}

// Jobs configures jobs-runtime timing, leases, and retry/budget clamps.
type Jobs struct {
	ClaimLeaseTTL        Duration `toml:"claim_lease_ttl"`
	StaleAfter           Duration `toml:"stale_after"`
	StalledAfter         Duration `toml:"stalled_after"`
	ScoutStaleAfter      Duration `toml:"scout_stale_after"`
	MaxContextRetryLimit int      `toml:"max_context_retry_limit"`
	MaxContextRefsFloor  int      `toml:"max_context_refs_floor"`
	DefaultSliceMaxFiles int      `toml:"default_slice_max_files"`
	DefaultSliceMaxDiff  int      `toml:"default_slice_max_diff_lines"`
}

// Reasoning configures the strict close-step gate.
type Reasoning struct {
	StrictCloseStep bool `toml:"strict_close_step"`
	RequireCounter  bool `toml:"require_counter_evidence"`
}

// Dispatch configures agent executor routing and CLI bindings.
type Dispatch struct {
	CLI      map[string]CLIConfig `toml:"cli"`
	Routing  DispatchRouting      `toml:"routing"`
	Timeouts DispatchTimeouts     `toml:"timeouts"`
	Docker   DispatchDocker       `toml:"docker"`
	LogDir   string               `toml:"log_dir"`
}

type CLIConfig struct {
	Cmd           string   `toml:"cmd"`
	PromptMode    string   `toml:"prompt_mode"` // "stdin", "file", "arg"
	Args          []string `toml:"args"`
	ModelFlag     string   `toml:"model_flag"`
	ApprovalFlags []string `toml:"approval_flags"`
}

type DispatchRouting struct {
	ScoutBackend     string `toml:"scout_backend"` // "headless_cli", "docker"
	BuilderBackend   string `toml:"builder_backend"`
	ValidatorBackend string `toml:"validator_backend"`
}

type DispatchTimeouts struct {
	Scout     Duration `toml:"scout"`
	Builder   Duration `toml:"builder"`
	Validator Duration `toml:"validator"`
}

type DispatchDocker struct {
	Image      string `toml:"image"`
	Network    string `toml:"network"`
	WorkingDir string `toml:"working_dir"`
}

// RateLimits caps job dispatch volume per workspace.
type RateLimits struct {
	Window5hCap int `toml:"window_5h_cap"`
	WeeklyCap   int `toml:"weekly_cap"`
}

// Cost configures token-cost accounting per model family.
type Cost struct {
	CostInputPerMtok  map[string]float64 `toml:"cost_input_per_mtok"`
	CostOutputPerMtok map[string]float64 `toml:"cost_output_per_mtok"`
	DailyCapUSD       float64            `toml:"daily_cap_usd"`
}

// Mesh configures the event bus / portal cursor defaults.
type Mesh struct {
	IdempotencyTTL Duration `toml:"idempotency_ttl"`
	DeltaBatchSize int      `toml:"delta_batch_size"`
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Dispatch.CLI = cloneCLIConfigMap(cfg.Dispatch.CLI)
	cloned.Cost.CostInputPerMtok = cloneStringFloatMap(cfg.Cost.CostInputPerMtok)
	cloned.Cost.CostOutputPerMtok = cloneStringFloatMap(cfg.Cost.CostOutputPerMtok)
	return &cloned
}

func cloneCLIConfigMap(in map[string]CLIConfig) map[string]CLIConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]CLIConfig, len(in))
	for key, cfg := range in {
		out[key] = CLIConfig{
			Cmd:           cfg.Cmd,
			PromptMode:    cfg.PromptMode,
			Args:          cloneStringSlice(cfg.Args),
			ModelFlag:     cfg.ModelFlag,
			ApprovalFlags: cloneStringSlice(cfg.ApprovalFlags),
		}
	}
	return out
}

func cloneStringFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Load reads and validates a branchmindd TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload reads and validates a branchmindd TOML configuration file.
//
// This mirrors Load but is intentionally named to reflect runtime refresh paths.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.TickInterval.Duration == 0 {
		cfg.General.TickInterval.Duration = 10 * time.Second
	}
	if cfg.General.SweepInterval.Duration == 0 {
		cfg.General.SweepInterval.Duration = 60 * time.Second
	}

	if cfg.Jobs.ClaimLeaseTTL.Duration == 0 {
		cfg.Jobs.ClaimLeaseTTL.Duration = 5 * time.Minute
	}
	if cfg.Jobs.StaleAfter.Duration == 0 {
		cfg.Jobs.StaleAfter.Duration = 15 * time.Minute
	}
	if cfg.Jobs.StalledAfter.Duration == 0 {
		cfg.Jobs.StalledAfter.Duration = 30 * time.Minute
	}
	if cfg.Jobs.ScoutStaleAfter.Duration == 0 {
		cfg.Jobs.ScoutStaleAfter.Duration = 900 * time.Second
	}
	if cfg.Jobs.MaxContextRetryLimit == 0 {
		cfg.Jobs.MaxContextRetryLimit = 2
	}
	if cfg.Jobs.MaxContextRefsFloor == 0 {
		cfg.Jobs.MaxContextRefsFloor = 8
	}
	if cfg.Jobs.DefaultSliceMaxFiles == 0 {
		cfg.Jobs.DefaultSliceMaxFiles = 12
	}
	if cfg.Jobs.DefaultSliceMaxDiff == 0 {
		cfg.Jobs.DefaultSliceMaxDiff = 800
	}

	if cfg.Dispatch.Timeouts.Scout.Duration == 0 {
		cfg.Dispatch.Timeouts.Scout.Duration = 15 * time.Minute
	}
	if cfg.Dispatch.Timeouts.Builder.Duration == 0 {
		cfg.Dispatch.Timeouts.Builder.Duration = 45 * time.Minute
	}
	if cfg.Dispatch.Timeouts.Validator.Duration == 0 {
		cfg.Dispatch.Timeouts.Validator.Duration = 20 * time.Minute
	}
	if cfg.Dispatch.Routing.ScoutBackend == "" {
		cfg.Dispatch.Routing.ScoutBackend = "headless_cli"
	}
	if cfg.Dispatch.Routing.BuilderBackend == "" {
		cfg.Dispatch.Routing.BuilderBackend = "headless_cli"
	}
	if cfg.Dispatch.Routing.ValidatorBackend == "" {
		cfg.Dispatch.Routing.ValidatorBackend = "headless_cli"
	}

	if cfg.RateLimits.Window5hCap == 0 {
		cfg.RateLimits.Window5hCap = 20
	}
	if cfg.RateLimits.WeeklyCap == 0 {
		cfg.RateLimits.WeeklyCap = 200
	}

	if cfg.Mesh.IdempotencyTTL.Duration == 0 {
		cfg.Mesh.IdempotencyTTL.Duration = 24 * time.Hour
	}
	if cfg.Mesh.DeltaBatchSize == 0 {
		cfg.Mesh.DeltaBatchSize = 50
	}
}

func normalizePaths(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.General.StateDB = ExpandHome(strings.TrimSpace(cfg.General.StateDB))
	cfg.General.LockFile = ExpandHome(strings.TrimSpace(cfg.General.LockFile))
	cfg.Dispatch.LogDir = ExpandHome(strings.TrimSpace(cfg.Dispatch.LogDir))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func validate(cfg *Config) error {
	if cfg.General.StateDB == "" {
		return fmt.Errorf("general.state_db is required")
	}
	if dir := ExpandHome(filepath.Dir(cfg.General.StateDB)); dir != "." {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("state_db directory %q does not exist: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}

	if cfg.Jobs.MaxContextRetryLimit < 0 {
		return fmt.Errorf("jobs.max_context_retry_limit cannot be negative")
	}
	if cfg.Jobs.MaxContextRefsFloor < 1 {
		return fmt.Errorf("jobs.max_context_refs_floor must be >= 1")
	}

	knownBackends := map[string]struct{}{
		"headless_cli": {},
		"docker":       {},
	}
	for field, backend := range map[string]string{
		"dispatch.routing.scout_backend":     cfg.Dispatch.Routing.ScoutBackend,
		"dispatch.routing.builder_backend":   cfg.Dispatch.Routing.BuilderBackend,
		"dispatch.routing.validator_backend": cfg.Dispatch.Routing.ValidatorBackend,
	} {
		if _, ok := knownBackends[backend]; !ok {
			return fmt.Errorf("%s: invalid backend %q (valid: headless_cli, docker)", field, backend)
		}
	}

	for name, cliCfg := range cfg.Dispatch.CLI {
		if err := validateCLIConfig(name, cliCfg); err != nil {
			return fmt.Errorf("dispatch.cli.%s: %w", name, err)
		}
	}

	if cfg.RateLimits.Window5hCap < 0 || cfg.RateLimits.WeeklyCap < 0 {
		return fmt.Errorf("rate_limits caps cannot be negative")
	}

	return nil
}

func validateCLIConfig(name string, cfg CLIConfig) error {
	if cfg.Cmd == "" {
		return fmt.Errorf("cmd is required")
	}
	validPromptModes := map[string]bool{"stdin": true, "file": true, "arg": true}
	if cfg.PromptMode != "" && !validPromptModes[cfg.PromptMode] {
		return fmt.Errorf("invalid prompt_mode %q (valid: stdin, file, arg)", cfg.PromptMode)
	}
	if cfg.ModelFlag != "" && !strings.HasPrefix(cfg.ModelFlag, "-") {
		return fmt.Errorf("model_flag %q must start with '-'", cfg.ModelFlag)
	}
	for i, flag := range cfg.ApprovalFlags {
		if !strings.HasPrefix(flag, "-") {
			return fmt.Errorf("approval_flags[%d] %q must start with '-'", i, flag)
		}
	}
	return nil
}
