// Package config loads the run configuration file and derives per-item
// execution plans from it.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"reconbatch/internal/graph"
	"reconbatch/internal/job"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s"
// or "2h". Bare integers are taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Artifact declares one output a job is expected to produce and where it is
// folded afterwards. String fields may contain the "{id}" placeholder, which
// expands to the work item id.
type Artifact struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Container string `yaml:"container"`
	Layer     string `yaml:"layer"`
	Format    string `yaml:"format"`
	Mode      string `yaml:"mode"`
}

// Local configures the child-process backend.
type Local struct {
	Tool      []string `yaml:"tool"`
	StopGrace Duration `yaml:"stop_grace"`
}

// Docker configures the container backend.
type Docker struct {
	Image            string   `yaml:"image"`
	Tool             []string `yaml:"tool"`
	HostDataDir      string   `yaml:"host_data_dir"`
	ContainerDataDir string   `yaml:"container_data_dir"`
}

// Slurm configures the cluster backend.
type Slurm struct {
	Tool         []string `yaml:"tool"`
	Partition    string   `yaml:"partition"`
	Account      string   `yaml:"account"`
	GPUs         int      `yaml:"gpus"`
	TimeLimit    Duration `yaml:"time_limit"`
	PollInterval Duration `yaml:"poll_interval"`
}

// Kubernetes configures the Jobs API backend.
type Kubernetes struct {
	Namespace       string   `yaml:"namespace"`
	Image           string   `yaml:"image"`
	Tool            []string `yaml:"tool"`
	ServiceAccount  string   `yaml:"service_account"`
	CPULimit        string   `yaml:"cpu_limit"`
	MemoryLimit     string   `yaml:"memory_limit"`
	DataVolumeClaim string   `yaml:"data_volume_claim"`
	HostDataDir     string   `yaml:"host_data_dir"`
	DataMountPath   string   `yaml:"data_mount_path"`
}

// Config holds everything a run needs: the template, the manifest, the
// backend choice and its settings, retry and concurrency knobs, and the
// declared outputs.
type Config struct {
	// Template is the path to the pipeline template document.
	Template string `yaml:"template"`

	// Manifest is the path to the work-item manifest.
	Manifest string `yaml:"manifest"`

	// WorkDir receives per-job graph documents and attempt logs.
	WorkDir string `yaml:"work_dir"`

	// StateDB is the path to the batch state database. Empty disables
	// cross-run skip-if-done.
	StateDB string `yaml:"state_db"`

	// Backend selects the executor: local, docker, slurm or kubernetes.
	Backend string `yaml:"backend"`

	Concurrency int      `yaml:"concurrency"`
	MaxAttempts int      `yaml:"max_attempts"`
	JobTimeout  Duration `yaml:"job_timeout"`
	BackoffBase Duration `yaml:"backoff_base"`
	MaxBackoff  Duration `yaml:"max_backoff"`

	// Overrides are applied to every job on top of the item's inputs.
	Overrides map[string]graph.Param `yaml:"overrides"`

	// Artifacts declares the outputs every job produces.
	Artifacts []Artifact `yaml:"artifacts"`

	Local      Local      `yaml:"local"`
	Docker     Docker     `yaml:"docker"`
	Slurm      Slurm      `yaml:"slurm"`
	Kubernetes Kubernetes `yaml:"kubernetes"`

	// MetricsAddr exposes the prometheus endpoint during a run; empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// TraceCollectorAddr is the OTLP gRPC collector; empty disables
	// trace export.
	TraceCollectorAddr string `yaml:"trace_collector_addr"`
}

var validBackends = map[string]bool{
	"local":      true,
	"docker":     true,
	"slurm":      true,
	"kubernetes": true,
}

var validModes = map[string]bool{
	string(job.WriteCreateNew):      true,
	string(job.WriteAppendLayer):    true,
	string(job.WriteAppendFeatures): true,
}

// Load reads a run configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		WorkDir:     "reconbatch-work",
		Backend:     "local",
		Concurrency: 2,
		MaxAttempts: 3,
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Template == "" {
		return fmt.Errorf("template is required")
	}
	if c.Manifest == "" {
		return fmt.Errorf("manifest is required")
	}
	if !validBackends[c.Backend] {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if len(c.Artifacts) == 0 {
		return fmt.Errorf("at least one artifact is required")
	}
	for i, a := range c.Artifacts {
		if a.Name == "" || a.Path == "" || a.Container == "" || a.Layer == "" {
			return fmt.Errorf("artifact %d: name, path, container and layer are required", i)
		}
		if !validModes[a.Mode] {
			return fmt.Errorf("artifact %q: unknown write mode %q", a.Name, a.Mode)
		}
	}
	return nil
}

// Planner turns work items into template overrides and declared artifacts
// according to the run configuration. Item inputs become path parameters;
// static overrides from the configuration apply on top.
type Planner struct {
	cfg *Config
}

// NewPlanner creates a Planner over a validated configuration.
func NewPlanner(cfg *Config) *Planner {
	return &Planner{cfg: cfg}
}

// Overrides derives the override set for one work item.
func (p *Planner) Overrides(item job.WorkItem) map[string]graph.Param {
	ov := make(map[string]graph.Param, len(item.Inputs)+len(p.cfg.Overrides)+1)
	for name, path := range item.Inputs {
		ov[name] = graph.Path(expand(path, item.ID))
	}
	for name, v := range p.cfg.Overrides {
		ov[name] = v
	}
	return ov
}

// Artifacts derives the declared outputs for one work item, expanding the
// {id} placeholder in every string field.
func (p *Planner) Artifacts(item job.WorkItem) []job.OutputArtifact {
	out := make([]job.OutputArtifact, 0, len(p.cfg.Artifacts))
	for _, a := range p.cfg.Artifacts {
		out = append(out, job.OutputArtifact{
			Name:      expand(a.Name, item.ID),
			Path:      expand(a.Path, item.ID),
			Container: expand(a.Container, item.ID),
			Layer:     expand(a.Layer, item.ID),
			Format:    a.Format,
			Mode:      job.WriteMode(a.Mode),
		})
	}
	return out
}

func expand(s, id string) string {
	return strings.ReplaceAll(s, "{id}", id)
}
