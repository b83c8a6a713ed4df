// Package loopconfig loads and validates a loop's immutable configuration
// (LoopConfig) from YAML, in the teacher's dual-tagged, pointer-optional
// style so zero values and "not set" are distinguishable.
package loopconfig

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ralphloop/ralph/internal/providerspec"
	"github.com/ralphloop/ralph/internal/stoppattern"
)

// Mode selects whether a loop runs the multi-iteration driver or a single
// chat-style turn.
type Mode string

const (
	ModeLoop Mode = "loop"
	ModeChat Mode = "chat"
)

// ModelConfig identifies the AI model a loop drives.
type ModelConfig struct {
	ProviderID string `json:"provider_id" yaml:"provider_id"`
	ModelID    string `json:"model_id" yaml:"model_id"`
	Variant    string `json:"variant,omitempty" yaml:"variant,omitempty"`
}

// Canonicalize lowercases and alias-resolves ProviderID in place.
func (m *ModelConfig) Canonicalize() {
	m.ProviderID = providerspec.CanonicalProviderKey(m.ProviderID)
}

// GitConfig is the git-related subset of LoopConfig.
type GitConfig struct {
	BranchPrefix string `json:"branch_prefix" yaml:"branch_prefix"`
	CommitPrefix string `json:"commit_prefix" yaml:"commit_prefix"`
	BaseBranch   string `json:"base_branch,omitempty" yaml:"base_branch,omitempty"`
}

// LoopConfig is immutable after loop creation, except Model (mutated by
// the pending-model injection protocol).
type LoopConfig struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	WorkspaceID string `json:"workspace_id" yaml:"workspace_id"`
	Directory   string `json:"directory" yaml:"directory"`
	Prompt      string `json:"prompt" yaml:"prompt"`

	Model ModelConfig `json:"model" yaml:"model"`

	StopPattern string `json:"stop_pattern,omitempty" yaml:"stop_pattern,omitempty"`

	Git GitConfig `json:"git" yaml:"git"`

	MaxIterations          *int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MaxConsecutiveErrors   *int `json:"max_consecutive_errors,omitempty" yaml:"max_consecutive_errors,omitempty"`
	ActivityTimeoutSeconds int  `json:"activity_timeout_seconds" yaml:"activity_timeout_seconds"`

	ClearPlanningFolder bool `json:"clear_planning_folder,omitempty" yaml:"clear_planning_folder,omitempty"`
	PlanMode            bool `json:"plan_mode,omitempty" yaml:"plan_mode,omitempty"`
	Mode                Mode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// ReviewCycles, when positive, asks the agent to re-examine its own diff
	// that many extra times after it first reports the goal complete, before
	// the loop actually transitions to completed.
	ReviewCycles int `json:"review_cycles,omitempty" yaml:"review_cycles,omitempty"`

	// CompletionAction is opaque metadata carried through to
	// loopstate.ReviewModeState.CompletionAction for callers (e.g. a CLI
	// wrapper) that want to drive a followup step, such as "push", once
	// review cycles are exhausted. LoopEngine itself does not interpret it.
	CompletionAction string `json:"completion_action,omitempty" yaml:"completion_action,omitempty"`
}

// MaxIterationsOr returns config.MaxIterations, or 0 (unbounded) when unset.
func (c *LoopConfig) MaxIterationsOr() int {
	if c.MaxIterations == nil {
		return 0
	}
	return *c.MaxIterations
}

// MaxConsecutiveErrorsOr returns config.MaxConsecutiveErrors, or 0
// (unbounded) when unset.
func (c *LoopConfig) MaxConsecutiveErrorsOr() int {
	if c.MaxConsecutiveErrors == nil {
		return 0
	}
	return *c.MaxConsecutiveErrors
}

func applyDefaults(c *LoopConfig) {
	if strings.TrimSpace(c.StopPattern) == "" {
		c.StopPattern = stoppattern.Default
	}
	if strings.TrimSpace(c.Git.BranchPrefix) == "" {
		c.Git.BranchPrefix = "ralph/"
	}
	if strings.TrimSpace(c.Git.CommitPrefix) == "" {
		c.Git.CommitPrefix = "[ralph]"
	}
	if c.ActivityTimeoutSeconds <= 0 {
		c.ActivityTimeoutSeconds = 120
	}
	if c.Mode == "" {
		c.Mode = ModeLoop
	}
	c.Model.Canonicalize()
}

func validate(c *LoopConfig) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("loopconfig: id is required")
	}
	if strings.TrimSpace(c.Directory) == "" {
		return fmt.Errorf("loopconfig: directory is required")
	}
	if strings.TrimSpace(c.Prompt) == "" {
		return fmt.Errorf("loopconfig: prompt is required")
	}
	if c.Mode != ModeLoop && c.Mode != ModeChat {
		return fmt.Errorf("loopconfig: mode must be %q or %q, got %q", ModeLoop, ModeChat, c.Mode)
	}
	if c.MaxIterations != nil && *c.MaxIterations < 0 {
		return fmt.Errorf("loopconfig: max_iterations must be >= 0")
	}
	if c.MaxConsecutiveErrors != nil && *c.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("loopconfig: max_consecutive_errors must be >= 0")
	}
	if c.ReviewCycles < 0 {
		return fmt.Errorf("loopconfig: review_cycles must be >= 0")
	}
	return nil
}

// Load reads, strictly decodes (unknown fields rejected, exactly one
// document), defaults, and validates a LoopConfig from a YAML file.
func Load(path string) (*LoopConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse is Load without the filesystem read, for embedding or tests. b is
// treated as untrusted (it may come from a loop's own persisted config,
// reloaded from disk on restart): it is checked against configSchema before
// the stricter typed decode runs, so a malformed field produces a schema
// error rather than a confusing yaml.v3 type-mismatch panic-adjacent error.
func Parse(b []byte) (*LoopConfig, error) {
	if err := validateAgainstSchema(b); err != nil {
		return nil, err
	}

	var cfg LoopConfig
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, fmt.Errorf("loopconfig: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *LoopConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}
