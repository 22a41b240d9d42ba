package config

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Audit Filter
// ---------------------------------------------------------------------------

// AuditFilter configures the lux-audit-filter stage.
type AuditFilter struct {
	Common `yaml:",inline"`

	Input struct {
		AuditLog string `yaml:"audit_log"`
	} `yaml:"input"`

	SessionsDir string     `yaml:"sessions_dir"`
	JobsDir     string     `yaml:"jobs_dir"`
	Output      OutputPath `yaml:"output"`

	Grouping struct {
		// Strategy must be "audit_seq"; the field exists so a config that
		// asks for anything else fails loudly instead of silently
		// regrouping.
		Strategy string `yaml:"strategy"`
		// FlushTimeoutMS closes a record group idle this long. Default 2000.
		FlushTimeoutMS int `yaml:"flush_timeout_ms"`
	} `yaml:"grouping"`

	AgentOwnership struct {
		UID      int      `yaml:"uid"`
		RootComm []string `yaml:"root_comm"`
	} `yaml:"agent_ownership"`

	Exec struct {
		IncludeKeys             []string `yaml:"include_keys"`
		ShellComm               []string `yaml:"shell_comm"`
		ShellCmdFlag            string   `yaml:"shell_cmd_flag"`
		HelperExcludeComm       []string `yaml:"helper_exclude_comm"`
		HelperExcludeArgvPrefix []string `yaml:"helper_exclude_argv_prefix"`
	} `yaml:"exec"`

	FS struct {
		IncludeKeys        []string `yaml:"include_keys"`
		IncludePathsPrefix []string `yaml:"include_paths_prefix"`
	} `yaml:"fs"`

	Linking struct {
		AttachCmdToFS     bool   `yaml:"attach_cmd_to_fs"`
		AttachCmdStrategy string `yaml:"attach_cmd_strategy"`
	} `yaml:"linking"`

	// StartupBufferMS holds owned-but-unresolved audit events in follow
	// mode before dropping them. Default 3000.
	StartupBufferMS int `yaml:"startup_buffer_ms"`
}

// LoadAuditFilter reads, defaults, env-overrides, and validates an Audit
// Filter config.
func LoadAuditFilter(path string) (*AuditFilter, error) {
	var c AuditFilter
	if err := load(path, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	if c.Grouping.Strategy == "" {
		c.Grouping.Strategy = "audit_seq"
	}
	if c.Grouping.FlushTimeoutMS <= 0 {
		c.Grouping.FlushTimeoutMS = 2000
	}
	if c.Exec.ShellCmdFlag == "" {
		c.Exec.ShellCmdFlag = "-lc"
	}
	if c.Linking.AttachCmdStrategy == "" {
		c.Linking.AttachCmdStrategy = "last_exec_same_pid"
	}
	if c.StartupBufferMS <= 0 {
		c.StartupBufferMS = 3000
	}

	override(&c.Input.AuditLog, EnvAuditLog)
	override(&c.SessionsDir, EnvSessionsDir)
	override(&c.JobsDir, EnvJobsDir)
	override(&c.Output.JSONL, EnvOutputJSONL)
	overrideList(&c.AgentOwnership.RootComm, EnvRootComm)

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: audit filter %q: %w", path, err)
	}
	return &c, nil
}

func (c *AuditFilter) validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.Input.AuditLog == "" {
		return errors.New("input.audit_log is required")
	}
	if c.Output.JSONL == "" {
		return errors.New("output.jsonl is required")
	}
	if c.Grouping.Strategy != "audit_seq" {
		return fmt.Errorf("grouping.strategy %q is not supported (want audit_seq)", c.Grouping.Strategy)
	}
	if c.Linking.AttachCmdStrategy != "last_exec_same_pid" {
		return fmt.Errorf("linking.attach_cmd_strategy %q is not supported (want last_exec_same_pid)", c.Linking.AttachCmdStrategy)
	}
	return nil
}

// ---------------------------------------------------------------------------
// eBPF Filter
// ---------------------------------------------------------------------------

// EBPFFilter configures the lux-ebpf-filter stage.
type EBPFFilter struct {
	Common `yaml:",inline"`

	Input struct {
		AuditLog string `yaml:"audit_log"`
		EBPFLog  string `yaml:"ebpf_log"`
	} `yaml:"input"`

	SessionsDir string     `yaml:"sessions_dir"`
	JobsDir     string     `yaml:"jobs_dir"`
	Output      OutputPath `yaml:"output"`

	Ownership struct {
		UID       int      `yaml:"uid"`
		RootComm  []string `yaml:"root_comm"`
		PIDTTLSec int      `yaml:"pid_ttl_sec"`
		ExecKeys  []string `yaml:"exec_keys"`
	} `yaml:"ownership"`

	Include struct {
		EventTypes []string `yaml:"event_types"`
	} `yaml:"include"`

	Exclude struct {
		Comm        []string `yaml:"comm"`
		UnixPaths   []string `yaml:"unix_paths"`
		NetDstPorts []int    `yaml:"net_dst_ports"`
		NetDstIPs   []string `yaml:"net_dst_ips"`
	} `yaml:"exclude"`

	Linking struct {
		AttachCmdToNet bool `yaml:"attach_cmd_to_net"`
	} `yaml:"linking"`

	PendingBuffer struct {
		Enabled   bool `yaml:"enabled"`
		TTLSec    int  `yaml:"ttl_sec"`
		MaxPerPID int  `yaml:"max_per_pid"`
		MaxTotal  int  `yaml:"max_total"`
	} `yaml:"pending_buffer"`
}

// LoadEBPFFilter reads, defaults, env-overrides, and validates an eBPF
// Filter config.
func LoadEBPFFilter(path string) (*EBPFFilter, error) {
	var c EBPFFilter
	if err := load(path, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	if len(c.Include.EventTypes) == 0 {
		c.Include.EventTypes = []string{
			"net_connect", "net_send", "dns_query", "dns_response", "unix_connect",
		}
	}
	if len(c.Ownership.ExecKeys) == 0 {
		c.Ownership.ExecKeys = []string{"exec"}
	}
	if c.PendingBuffer.TTLSec <= 0 {
		c.PendingBuffer.TTLSec = 10
	}
	if c.PendingBuffer.MaxPerPID <= 0 {
		c.PendingBuffer.MaxPerPID = 256
	}
	if c.PendingBuffer.MaxTotal <= 0 {
		c.PendingBuffer.MaxTotal = 8192
	}

	override(&c.Input.AuditLog, EnvAuditLog)
	override(&c.Input.EBPFLog, EnvEBPFLog)
	override(&c.SessionsDir, EnvSessionsDir)
	override(&c.JobsDir, EnvJobsDir)
	override(&c.Output.JSONL, EnvOutputJSONL)
	overrideList(&c.Ownership.RootComm, EnvRootComm)

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: ebpf filter %q: %w", path, err)
	}
	return &c, nil
}

func (c *EBPFFilter) validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.Input.AuditLog == "" {
		return errors.New("input.audit_log is required")
	}
	if c.Input.EBPFLog == "" {
		return errors.New("input.ebpf_log is required")
	}
	if c.Output.JSONL == "" {
		return errors.New("output.jsonl is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Summarizer
// ---------------------------------------------------------------------------

// Summarizer configures the lux-ebpf-summary stage.
type Summarizer struct {
	Common `yaml:",inline"`

	Input  InputPath  `yaml:"input"`
	Output OutputPath `yaml:"output"`

	// BurstGapSec is the maximal gap between consecutive connect/send events
	// inside one burst. Default 1.0.
	BurstGapSec float64 `yaml:"burst_gap_sec"`
	// DNSLookbackSec is how far before a burst's first connect or send a dns_response
	// may lie and still name the destination. Default 1.0.
	DNSLookbackSec float64 `yaml:"dns_lookback_sec"`
	// MinSendCount and MinBytesSentTotal suppress a burst when BOTH are at
	// or below their threshold. Defaults 0 (suppress nothing).
	MinSendCount      int   `yaml:"min_send_count"`
	MinBytesSentTotal int64 `yaml:"min_bytes_sent_total"`
}

// LoadSummarizer reads, defaults, env-overrides, and validates a Summarizer
// config.
func LoadSummarizer(path string) (*Summarizer, error) {
	var c Summarizer
	if err := load(path, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	if c.BurstGapSec <= 0 {
		c.BurstGapSec = 1.0
	}
	if c.DNSLookbackSec <= 0 {
		c.DNSLookbackSec = 1.0
	}

	override(&c.Input.JSONL, EnvInputJSONL)
	override(&c.Output.JSONL, EnvOutputJSONL)

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: summarizer %q: %w", path, err)
	}
	return &c, nil
}

func (c *Summarizer) validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.Input.JSONL == "" {
		return errors.New("input.jsonl is required")
	}
	if c.Output.JSONL == "" {
		return errors.New("output.jsonl is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Merger
// ---------------------------------------------------------------------------

// MergeInput is one (path, source) input pair of the merger.
type MergeInput struct {
	Path   string `yaml:"path"`
	Source string `yaml:"source"`
}

// Merger configures the lux-merge stage.
type Merger struct {
	Common `yaml:",inline"`

	Inputs []MergeInput `yaml:"inputs"`
	Output OutputPath   `yaml:"output"`

	Sorting struct {
		// Strategy must be "ts_source_pid".
		Strategy string `yaml:"strategy"`
	} `yaml:"sorting"`

	// RewriteIntervalMS is how often follow mode re-reads the inputs and
	// rewrites the output. Default 1000.
	RewriteIntervalMS int `yaml:"rewrite_interval_ms"`
}

// LoadMerger reads, defaults, env-overrides, and validates a Merger config.
func LoadMerger(path string) (*Merger, error) {
	var c Merger
	if err := load(path, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	if c.Sorting.Strategy == "" {
		c.Sorting.Strategy = "ts_source_pid"
	}
	if c.RewriteIntervalMS <= 0 {
		c.RewriteIntervalMS = 1000
	}

	override(&c.Output.JSONL, EnvOutputJSONL)

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: merger %q: %w", path, err)
	}
	return &c, nil
}

func (c *Merger) validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if len(c.Inputs) == 0 {
		return errors.New("inputs is required")
	}
	for i, in := range c.Inputs {
		if in.Path == "" {
			return fmt.Errorf("inputs[%d].path is required", i)
		}
		if in.Source == "" {
			return fmt.Errorf("inputs[%d].source is required", i)
		}
	}
	if c.Output.JSONL == "" {
		return errors.New("output.jsonl is required")
	}
	if c.Sorting.Strategy != "ts_source_pid" {
		return fmt.Errorf("sorting.strategy %q is not supported (want ts_source_pid)", c.Sorting.Strategy)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reconciler
// ---------------------------------------------------------------------------

// Reconciler configures the lux-reconcile task.
type Reconciler struct {
	Common `yaml:",inline"`

	Input       InputPath `yaml:"input"`
	SessionsDir string    `yaml:"sessions_dir"`
	JobsDir     string    `yaml:"jobs_dir"`

	// ReconcilePasses is the maximum number of filter passes per owner.
	// Default 5.
	ReconcilePasses int `yaml:"reconcile_passes"`
	// ReconcileIntervalSec is the pause between passes. Default 1.0.
	ReconcileIntervalSec float64 `yaml:"reconcile_interval_sec"`
}

// LoadReconciler reads, defaults, env-overrides, and validates a Reconciler
// config.
func LoadReconciler(path string) (*Reconciler, error) {
	var c Reconciler
	if err := load(path, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	if c.ReconcilePasses <= 0 {
		c.ReconcilePasses = 5
	}
	if c.ReconcileIntervalSec <= 0 {
		c.ReconcileIntervalSec = 1.0
	}

	override(&c.Input.JSONL, EnvInputJSONL)
	override(&c.SessionsDir, EnvSessionsDir)
	override(&c.JobsDir, EnvJobsDir)

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: reconciler %q: %w", path, err)
	}
	return &c, nil
}

func (c *Reconciler) validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.Input.JSONL == "" {
		return errors.New("input.jsonl is required")
	}
	if c.SessionsDir == "" && c.JobsDir == "" {
		return errors.New("at least one of sessions_dir, jobs_dir is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

// Export configures the lux-export archival task.
type Export struct {
	Common `yaml:",inline"`

	Input InputPath `yaml:"input"`

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `yaml:"database_url"`
	// RunID tags every archived row with its run.
	RunID string `yaml:"run_id"`
	// BatchSize is the insert batch size. Default 100.
	BatchSize int `yaml:"batch_size"`
	// FlushIntervalMS flushes a partial batch this often. Default 1000.
	FlushIntervalMS int `yaml:"flush_interval_ms"`
}

// LoadExport reads, defaults, env-overrides, and validates an Export config.
func LoadExport(path string) (*Export, error) {
	var c Export
	if err := load(path, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushIntervalMS <= 0 {
		c.FlushIntervalMS = 1000
	}

	override(&c.Input.JSONL, EnvInputJSONL)
	override(&c.DatabaseURL, EnvDatabaseURL)

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: export %q: %w", path, err)
	}
	return &c, nil
}

func (c *Export) validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.Input.JSONL == "" {
		return errors.New("input.jsonl is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("database_url is required")
	}
	if c.RunID == "" {
		return errors.New("run_id is required")
	}
	return nil
}
