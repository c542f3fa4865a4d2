// Package task defines task definitions and loads them from YAML files.
package task

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	fsderrors "github.com/randalmurphal/fsd/internal/errors"
)

// Priority ranks how urgent a task is.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// DefaultSuccessCriteria is used when a task names none.
const DefaultSuccessCriteria = "- All tests pass\n- No type errors\n- Code follows project conventions"

// CompletionActions are follow-ups requested after a task completes.
type CompletionActions struct {
	CreatePR    bool   `yaml:"create_pr" json:"create_pr"`
	PRTitle     string `yaml:"pr_title,omitempty" json:"pr_title,omitempty"`
	NotifySlack bool   `yaml:"notify_slack" json:"notify_slack"`
}

// Definition describes one unit of work. The orchestration core reads it
// and never modifies it.
type Definition struct {
	ID                string             `yaml:"id" json:"id"`
	NumericID         int                `yaml:"numeric_id,omitempty" json:"numeric_id,omitempty"`
	Description       string             `yaml:"description" json:"description"`
	Priority          Priority           `yaml:"priority" json:"priority"`
	EstimatedDuration string             `yaml:"estimated_duration" json:"estimated_duration"`
	Context           string             `yaml:"context,omitempty" json:"context,omitempty"`
	FocusFiles        []string           `yaml:"focus_files,omitempty" json:"focus_files,omitempty"`
	SuccessCriteria   string             `yaml:"success_criteria,omitempty" json:"success_criteria,omitempty"`
	OnCompletion      *CompletionActions `yaml:"on_completion,omitempty" json:"on_completion,omitempty"`
}

var (
	idPattern       = regexp.MustCompile(`^[a-z0-9-]+$`)
	durationPattern = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?$`)
)

// ParseDuration parses estimates like "2h", "30m" and "1h30m".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	m := durationPattern.FindStringSubmatch(s)
	if s == "" || m == nil {
		return 0, fmt.Errorf("invalid duration %q: use forms like 2h, 30m, 1h30m", s)
	}
	var d time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		d += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		mins, _ := strconv.Atoi(m[2])
		d += time.Duration(mins) * time.Minute
	}
	if d == 0 {
		return 0, fmt.Errorf("invalid duration %q: must be greater than zero", s)
	}
	return d, nil
}

// Normalize trims fields and fills defaults.
func (d *Definition) Normalize() {
	d.ID = strings.TrimSpace(d.ID)
	d.Description = strings.TrimSpace(d.Description)
	d.EstimatedDuration = strings.TrimSpace(d.EstimatedDuration)
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	d.Priority = Priority(strings.ToLower(string(d.Priority)))
	for i, f := range d.FocusFiles {
		d.FocusFiles[i] = strings.TrimSpace(f)
	}
	if strings.TrimSpace(d.SuccessCriteria) == "" {
		d.SuccessCriteria = DefaultSuccessCriteria
	}
}

// Validate checks the definition's fields.
func (d *Definition) Validate() error {
	invalid := func(reason string) error {
		return fsderrors.ErrTaskInvalid(d.ID, reason)
	}

	if len(d.ID) < 3 || len(d.ID) > 50 {
		return invalid("id must be 3 to 50 characters")
	}
	if !idPattern.MatchString(d.ID) {
		return invalid("id may only contain lowercase letters, digits and hyphens")
	}
	if len(strings.TrimSpace(d.Description)) < 10 {
		return invalid("description must be at least 10 characters")
	}
	switch d.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	default:
		return invalid(fmt.Sprintf("unknown priority %q", d.Priority))
	}
	if _, err := ParseDuration(d.EstimatedDuration); err != nil {
		return invalid(err.Error())
	}
	for _, f := range d.FocusFiles {
		if strings.TrimSpace(f) == "" {
			return invalid("focus_files entries must not be blank")
		}
	}
	if d.OnCompletion != nil && d.OnCompletion.CreatePR && strings.TrimSpace(d.OnCompletion.PRTitle) == "" {
		return invalid("on_completion.pr_title is required when create_pr is set")
	}
	return nil
}

// Duration returns the parsed estimate.
func (d *Definition) Duration() time.Duration {
	dur, _ := ParseDuration(d.EstimatedDuration)
	return dur
}
