package stagedef

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PipelineDefaults is a pipeline's `defaults:` block.
type PipelineDefaults struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// StageInputs is a pipeline stage's `inputs:` block.
type StageInputs struct {
	From   string `yaml:"from"`
	Select string `yaml:"select"` // "latest" | "all"
}

// ParallelBlock fans one stage out across N providers, each running the
// block's nested stages independently under its own scope root.
type ParallelBlock struct {
	Providers []string        `yaml:"providers"`
	Stages    []PipelineStage `yaml:"stages"`
}

// PipelineStage is one entry in a pipeline definition's `stages:` list.
type PipelineStage struct {
	Name string `yaml:"name"`
	Runs int    `yaml:"runs"`

	Model    string `yaml:"model"`
	Provider string `yaml:"provider"`

	// StageType names the stage.yaml directory to load. Loop is the legacy
	// synonym, kept for pipeline definitions written against the original
	// field name.
	StageType string `yaml:"stage"`
	Loop      string `yaml:"loop"`

	Prompt       string              `yaml:"prompt"`
	Termination  *TerminationConfig  `yaml:"termination"`
	Inputs       *StageInputs        `yaml:"inputs"`
	Perspectives []string            `yaml:"perspectives"`
	Parallel     *ParallelBlock      `yaml:"parallel"`
}

// ResolvedStageType returns StageType, falling back to the legacy Loop
// field when StageType is unset.
func (s *PipelineStage) ResolvedStageType() string {
	if s.StageType != "" {
		return s.StageType
	}
	return s.Loop
}

// PipelineDefinition is a full pipeline definition file (pipeline.yaml).
type PipelineDefinition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Defaults    PipelineDefaults  `yaml:"defaults"`
	Inputs      []string          `yaml:"inputs"`
	Stages      []PipelineStage   `yaml:"stages"`
}

// LoadPipeline reads and validates a pipeline definition file.
func LoadPipeline(path string) (*PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stagedef: read pipeline %s: %w", path, err)
	}

	var def PipelineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("stagedef: parse pipeline %s: %w", path, err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the static invariants a pipeline definition must satisfy
// regardless of the stages it names: unique stage names, at least one
// stage, and well-formed parallel blocks.
func (d *PipelineDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("stagedef: pipeline missing name")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("stagedef: pipeline %q has no stages", d.Name)
	}

	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s.Name == "" {
			return fmt.Errorf("stagedef: pipeline %q has a stage with no name", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("stagedef: pipeline %q has duplicate stage name %q", d.Name, s.Name)
		}
		seen[s.Name] = true

		if s.Parallel != nil {
			if err := s.Parallel.Validate(s.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate checks a parallel block's static invariants: at least one
// provider, at least one nested stage, no nested stage overriding provider
// (the block's provider fan-out owns that), no nested parallel blocks, and
// unique nested stage names.
func (p *ParallelBlock) Validate(blockName string) error {
	if len(p.Providers) == 0 {
		return fmt.Errorf("stagedef: parallel block %q must list at least one provider", blockName)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("stagedef: parallel block %q must list at least one stage", blockName)
	}

	seen := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.Provider != "" {
			return fmt.Errorf("stagedef: parallel block %q: stage %q must not override provider", blockName, s.Name)
		}
		if s.Parallel != nil {
			return fmt.Errorf("stagedef: parallel block %q: nested parallel blocks are not allowed", blockName)
		}
		if seen[s.Name] {
			return fmt.Errorf("stagedef: parallel block %q: duplicate stage name %q", blockName, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
