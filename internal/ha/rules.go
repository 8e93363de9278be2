package ha

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Condition types understood by the rule engine.
const (
	ConditionHealthCheckFailure = "health_check_failure"
	ConditionConnectionTimeout  = "connection_timeout"
	ConditionErrorRate          = "error_rate"
	ConditionComposite          = "composite"
)

// Composite operators.
const (
	OperatorAnd = "and"
	OperatorOr  = "or"
)

// Condition is one predicate over a health snapshot. Composite conditions
// nest recursively.
type Condition struct {
	Type       string        `yaml:"type" json:"type"`
	Threshold  float64       `yaml:"threshold" json:"threshold"`
	Operator   string        `yaml:"operator,omitempty" json:"operator,omitempty"`
	Conditions []Condition   `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Validate checks the condition tree.
func (c *Condition) Validate() error {
	switch c.Type {
	case ConditionHealthCheckFailure, ConditionConnectionTimeout, ConditionErrorRate:
		return nil
	case ConditionComposite:
		if c.Operator != OperatorAnd && c.Operator != OperatorOr {
			return fmt.Errorf("composite condition requires operator %q or %q", OperatorAnd, OperatorOr)
		}
		if len(c.Conditions) == 0 {
			return errors.New("composite condition requires nested conditions")
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
}

// Evaluate applies the condition to a snapshot.
func (c *Condition) Evaluate(snap Snapshot) bool {
	switch c.Type {
	case ConditionHealthCheckFailure:
		return float64(snap.ConsecutiveFailures) >= c.Threshold
	case ConditionConnectionTimeout:
		threshold := time.Duration(c.Threshold) * time.Millisecond
		for _, p := range snap.Diagnostics {
			if p.Latency > threshold {
				return true
			}
		}
		return false
	case ConditionErrorRate:
		if snap.WindowSize == 0 {
			return false
		}
		rate := float64(snap.RecentFailures) / float64(snap.WindowSize) * 100
		return rate > c.Threshold
	case ConditionComposite:
		if c.Operator == OperatorAnd {
			for i := range c.Conditions {
				if !c.Conditions[i].Evaluate(snap) {
					return false
				}
			}
			return true
		}
		for i := range c.Conditions {
			if c.Conditions[i].Evaluate(snap) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Rule binds a condition to a target mode. LastTriggered is the only mutable
// field; it moves forward only when the rule fires.
type Rule struct {
	ID            string          `yaml:"id" json:"id"`
	Name          string          `yaml:"name" json:"name"`
	Trigger       FailoverTrigger `yaml:"trigger" json:"trigger"`
	Condition     Condition       `yaml:"condition" json:"condition"`
	TargetMode    StorageMode     `yaml:"target_mode" json:"target_mode"`
	Priority      int             `yaml:"priority" json:"priority"`
	Enabled       bool            `yaml:"enabled" json:"enabled"`
	Cooldown      time.Duration   `yaml:"cooldown" json:"cooldown"`
	lastTriggered time.Time
}

// Validate checks the rule definition.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	if !r.TargetMode.Valid() {
		return fmt.Errorf("rule %s: invalid target mode %q", r.ID, r.TargetMode)
	}
	return r.Condition.Validate()
}

// Decision is the rule engine's verdict for one evaluation pass.
type Decision struct {
	Rule       *Rule
	PlanID     string
	TargetMode StorageMode
	Trigger    FailoverTrigger
	Reason     string
}

// RuleEngine evaluates failover rules against health snapshots. At most one
// rule fires per pass; oscillation is damped by per-rule cooldowns.
type RuleEngine struct {
	mu     sync.Mutex
	rules  []*Rule
	logger *zap.Logger
	now    func() time.Time
}

// NewRuleEngine creates a rule engine. Rules are kept sorted by ascending
// priority; invalid rules are rejected.
func NewRuleEngine(rules []Rule, logger *zap.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &RuleEngine{logger: logger, now: time.Now}
	if err := e.SetRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// SetRules replaces the rule set, preserving lastTriggered for rules whose
// ids survive. Supports hot reload from the config watcher.
func (e *RuleEngine) SetRules(rules []Rule) error {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	previous := make(map[string]time.Time, len(e.rules))
	for _, r := range e.rules {
		previous[r.ID] = r.lastTriggered
	}

	next := make([]*Rule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		r.lastTriggered = previous[r.ID]
		next = append(next, &r)
	}
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Priority < next[j].Priority
	})

	e.rules = next
	return nil
}

// Rules returns a copy of the current rule set in evaluation order.
func (e *RuleEngine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	return out
}

// Evaluate runs one pass over the snapshot. Disabled rules and rules still in
// cooldown are skipped; the first remaining rule whose condition matches
// fires, has its lastTriggered stamped, and ends the pass.
func (e *RuleEngine) Evaluate(snap Snapshot) (*Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if rule.Cooldown > 0 && !rule.lastTriggered.IsZero() &&
			now.Before(rule.lastTriggered.Add(rule.Cooldown)) {
			continue
		}

		if !rule.Condition.Evaluate(snap) {
			continue
		}

		rule.lastTriggered = now
		e.logger.Info("failover rule fired",
			zap.String("rule", rule.ID),
			zap.String("target_mode", string(rule.TargetMode)),
			zap.Int("consecutive_failures", snap.ConsecutiveFailures))

		matched := *rule
		return &Decision{
			Rule:       &matched,
			PlanID:     PlanForTrigger(rule.Trigger),
			TargetMode: rule.TargetMode,
			Trigger:    rule.Trigger,
			Reason:     fmt.Sprintf("rule %s (%s) matched", rule.ID, rule.Name),
		}, true
	}

	return nil, false
}

// PlanForTrigger maps a trigger to the plan that carries it out.
func PlanForTrigger(trigger FailoverTrigger) string {
	switch trigger {
	case TriggerManual, TriggerPlannedMaintenance:
		return PlanPlannedMaintenance
	default:
		return PlanEmergency
	}
}

// DefaultRules returns the built-in rule set: fail toward the replica pool on
// sustained primary failure or on a slow, error-prone connection.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:         "primary-health-failure",
			Name:       "primary health check failure",
			Trigger:    TriggerHealthCheckFailure,
			Condition:  Condition{Type: ConditionHealthCheckFailure, Threshold: 3},
			TargetMode: ModeReplica,
			Priority:   10,
			Enabled:    true,
			Cooldown:   30 * time.Second,
		},
		{
			ID:      "primary-slow-connection",
			Name:    "primary connection timeout",
			Trigger: TriggerConnectionTimeout,
			Condition: Condition{
				Type:     ConditionComposite,
				Operator: OperatorAnd,
				Conditions: []Condition{
					{Type: ConditionConnectionTimeout, Threshold: 5000},
					{Type: ConditionErrorRate, Threshold: 50},
				},
			},
			TargetMode: ModeReplica,
			Priority:   20,
			Enabled:    true,
			Cooldown:   time.Minute,
		},
	}
}
