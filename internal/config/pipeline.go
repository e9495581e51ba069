package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PipelineFile is a pipeline definition: stages, task sets, templates and
// the stage <-> task set associations.
type PipelineFile struct {
	Pipeline  PipelineDef   `yaml:"pipeline" json:"pipeline"`
	Templates []TemplateDef `yaml:"templates" json:"templates,omitempty"`
	TaskSets  []TaskSetDef  `yaml:"task_sets" json:"task_sets,omitempty"`
	Stages    []StageDef    `yaml:"stages" json:"stages"`
}

type PipelineDef struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
}

type TemplateDef struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Category    string `yaml:"category" json:"category,omitempty"`
	Priority    string `yaml:"priority" json:"priority,omitempty"`
	Active      *bool  `yaml:"active" json:"active,omitempty"`
}

// IsActive defaults to true.
func (t TemplateDef) IsActive() bool {
	return t.Active == nil || *t.Active
}

type TaskSetDef struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Templates   []string `yaml:"templates" json:"templates,omitempty"`
}

type StageDef struct {
	ID       string        `yaml:"id" json:"id"`
	Name     string        `yaml:"name" json:"name"`
	Order    int           `yaml:"order" json:"order"`
	Color    string        `yaml:"color" json:"color,omitempty"`
	TaskSets []StageSetRef `yaml:"task_sets" json:"task_sets,omitempty"`
}

type StageSetRef struct {
	ID       string `yaml:"id" json:"id"`
	Required *bool  `yaml:"required" json:"required,omitempty"`
	DueDays  *int   `yaml:"due_days" json:"due_days,omitempty"`
}

// IsRequired defaults to true.
func (r StageSetRef) IsRequired() bool {
	return r.Required == nil || *r.Required
}

// Validate checks ids, references and unique stage orders.
func (p *PipelineFile) Validate() error {
	if p.Pipeline.ID == "" {
		return fmt.Errorf("pipeline.id is required")
	}
	if p.Pipeline.Name == "" {
		return fmt.Errorf("pipeline.name is required")
	}
	templates := map[string]bool{}
	for _, t := range p.Templates {
		if t.ID == "" || t.Name == "" {
			return fmt.Errorf("template id and name are required")
		}
		if templates[t.ID] {
			return fmt.Errorf("duplicate template %s", t.ID)
		}
		templates[t.ID] = true
	}
	sets := map[string]bool{}
	for _, ts := range p.TaskSets {
		if ts.ID == "" || ts.Name == "" {
			return fmt.Errorf("task set id and name are required")
		}
		if sets[ts.ID] {
			return fmt.Errorf("duplicate task set %s", ts.ID)
		}
		sets[ts.ID] = true
		seen := map[string]bool{}
		for _, tpl := range ts.Templates {
			if !templates[tpl] {
				return fmt.Errorf("task set %s references unknown template %s", ts.ID, tpl)
			}
			if seen[tpl] {
				return fmt.Errorf("task set %s lists template %s twice", ts.ID, tpl)
			}
			seen[tpl] = true
		}
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s has no stages", p.Pipeline.ID)
	}
	stageIDs := map[string]bool{}
	orders := map[int]string{}
	for _, st := range p.Stages {
		if st.ID == "" || st.Name == "" {
			return fmt.Errorf("stage id and name are required")
		}
		if stageIDs[st.ID] {
			return fmt.Errorf("duplicate stage %s", st.ID)
		}
		stageIDs[st.ID] = true
		if other, ok := orders[st.Order]; ok {
			return fmt.Errorf("stages %s and %s share order %d", other, st.ID, st.Order)
		}
		orders[st.Order] = st.ID
		seen := map[string]bool{}
		for _, ref := range st.TaskSets {
			if !sets[ref.ID] {
				return fmt.Errorf("stage %s references unknown task set %s", st.ID, ref.ID)
			}
			if seen[ref.ID] {
				return fmt.Errorf("stage %s lists task set %s twice", st.ID, ref.ID)
			}
			seen[ref.ID] = true
			if ref.DueDays != nil && *ref.DueDays < 0 {
				return fmt.Errorf("stage %s task set %s due_days must not be negative", st.ID, ref.ID)
			}
		}
	}
	return nil
}

// PipelineFromYAML parses and validates a pipeline definition.
func PipelineFromYAML(data []byte) (*PipelineFile, error) {
	var p PipelineFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid pipeline yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// PipelineFromFile reads a pipeline definition from path.
func PipelineFromFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return PipelineFromYAML(data)
}
