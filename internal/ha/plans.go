package ha

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Built-in plan ids.
const (
	PlanEmergency          = "emergency"
	PlanPlannedMaintenance = "planned-maintenance"
)

// Step actions.
const (
	ActionSwitchStorage = "switch_storage"
	ActionHealthCheck   = "health_check"
	ActionValidate      = "validate"
	ActionNotify        = "notify"
	ActionWait          = "wait"
	ActionBackup        = "backup"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Step is one action inside a plan. Parameters are action-specific; mode
// parameters accept the special value "prior" which resolves to the mode that
// was active when the execution started.
type Step struct {
	Action            string         `json:"action"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	Timeout           time.Duration  `json:"timeout_ms"`
	RetryCount        int            `json:"retry_count"`
	ContinueOnFailure bool           `json:"continue_on_failure"`
}

// Plan is a static template of ordered steps with a parallel rollback list.
type Plan struct {
	ID               string `json:"id"`
	Description      string `json:"description,omitempty"`
	Steps            []Step `json:"steps"`
	RollbackSteps    []Step `json:"rollback_steps,omitempty"`
	RiskLevel        string `json:"risk_level"`
	RequiresApproval bool   `json:"requires_approval"`
}

// Validate checks the plan template.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return errors.New("plan id is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s: at least one step is required", p.ID)
	}
	for i, s := range append(append([]Step{}, p.Steps...), p.RollbackSteps...) {
		switch s.Action {
		case ActionSwitchStorage, ActionHealthCheck, ActionValidate, ActionNotify, ActionWait, ActionBackup:
		default:
			return fmt.Errorf("plan %s: step %d has unknown action %q", p.ID, i, s.Action)
		}
	}
	return nil
}

// BuiltinPlans returns the plan templates shipped with the system. The
// emergency plan moves traffic fast and verifies afterwards; the maintenance
// plan notifies, snapshots, and holds a window before switching.
func BuiltinPlans() map[string]*Plan {
	return map[string]*Plan{
		PlanEmergency: {
			ID:          PlanEmergency,
			Description: "immediate failover on health signal",
			RiskLevel:   RiskHigh,
			Steps: []Step{
				{Action: ActionSwitchStorage, Timeout: 10 * time.Second, RetryCount: 1},
				{Action: ActionValidate, Timeout: 5 * time.Second},
				{Action: ActionNotify, Timeout: 5 * time.Second, ContinueOnFailure: true},
			},
			RollbackSteps: []Step{
				{Action: ActionSwitchStorage, Parameters: map[string]any{"mode": "prior"}, Timeout: 10 * time.Second},
				{Action: ActionNotify, Timeout: 5 * time.Second, ContinueOnFailure: true},
			},
		},
		PlanPlannedMaintenance: {
			ID:          PlanPlannedMaintenance,
			Description: "operator-initiated transition with backup and hold window",
			RiskLevel:   RiskMedium,
			Steps: []Step{
				{Action: ActionNotify, Timeout: 5 * time.Second, ContinueOnFailure: true},
				{Action: ActionBackup, Timeout: time.Minute, ContinueOnFailure: true},
				{Action: ActionWait, Parameters: map[string]any{"duration_ms": float64(500)}, Timeout: 5 * time.Second},
				{Action: ActionSwitchStorage, Timeout: 10 * time.Second, RetryCount: 1},
				{Action: ActionValidate, Timeout: 5 * time.Second},
				{Action: ActionNotify, Timeout: 5 * time.Second, ContinueOnFailure: true},
			},
			RollbackSteps: []Step{
				{Action: ActionSwitchStorage, Parameters: map[string]any{"mode": "prior"}, Timeout: 10 * time.Second},
				{Action: ActionNotify, Timeout: 5 * time.Second, ContinueOnFailure: true},
			},
		},
	}
}

const planSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["plans"],
  "properties": {
    "plans": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "steps"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "risk_level": {"enum": ["low", "medium", "high"]},
          "requires_approval": {"type": "boolean"},
          "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/step"}},
          "rollback_steps": {"type": "array", "items": {"$ref": "#/definitions/step"}}
        }
      }
    }
  },
  "definitions": {
    "step": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": {"enum": ["switch_storage", "health_check", "validate", "notify", "wait", "backup"]},
        "parameters": {"type": "object"},
        "timeout_ms": {"type": "integer", "minimum": 0},
        "retry_count": {"type": "integer", "minimum": 0},
        "continue_on_failure": {"type": "boolean"}
      }
    }
  }
}`

type planFile struct {
	Plans []planDoc `json:"plans"`
}

type planDoc struct {
	ID               string    `json:"id"`
	Description      string    `json:"description"`
	RiskLevel        string    `json:"risk_level"`
	RequiresApproval bool      `json:"requires_approval"`
	Steps            []stepDoc `json:"steps"`
	RollbackSteps    []stepDoc `json:"rollback_steps"`
}

type stepDoc struct {
	Action            string         `json:"action"`
	Parameters        map[string]any `json:"parameters"`
	TimeoutMs         int64          `json:"timeout_ms"`
	RetryCount        int            `json:"retry_count"`
	ContinueOnFailure bool           `json:"continue_on_failure"`
}

// LoadPlans reads plan templates from a JSON file, validates the document
// against the plan schema, and merges the result over the built-in plans
// (file definitions win on id collision).
func LoadPlans(path string) (map[string]*Plan, error) {
	plans := BuiltinPlans()
	if path == "" {
		return plans, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(planSchema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validate plans file: %w", err)
	}
	if !result.Valid() {
		var msgs string
		for _, desc := range result.Errors() {
			msgs += desc.String() + "; "
		}
		return nil, fmt.Errorf("plans file failed schema validation: %s", msgs)
	}

	var file planFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse plans file: %w", err)
	}

	for _, doc := range file.Plans {
		plan := &Plan{
			ID:               doc.ID,
			Description:      doc.Description,
			RiskLevel:        doc.RiskLevel,
			RequiresApproval: doc.RequiresApproval,
			Steps:            convertSteps(doc.Steps),
			RollbackSteps:    convertSteps(doc.RollbackSteps),
		}
		if plan.RiskLevel == "" {
			plan.RiskLevel = RiskMedium
		}
		if err := plan.Validate(); err != nil {
			return nil, err
		}
		plans[plan.ID] = plan
	}

	return plans, nil
}

func convertSteps(docs []stepDoc) []Step {
	steps := make([]Step, 0, len(docs))
	for _, d := range docs {
		timeout := time.Duration(d.TimeoutMs) * time.Millisecond
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		steps = append(steps, Step{
			Action:            d.Action,
			Parameters:        d.Parameters,
			Timeout:           timeout,
			RetryCount:        d.RetryCount,
			ContinueOnFailure: d.ContinueOnFailure,
		})
	}
	return steps
}
