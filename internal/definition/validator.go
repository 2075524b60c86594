package definition

import (
	"fmt"
	"math"
	"regexp"

	"github.com/pitabwire/stagehand/model"
)

var workflowIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Validate checks a workflow definition and returns one FieldError per
// violation. An empty result means the definition is valid.
func Validate(cfg model.WorkflowConfig) []model.FieldError {
	var errs []model.FieldError

	switch {
	case cfg.ID == "":
		errs = append(errs, model.FieldError{Field: "id", Code: "REQUIRED", Message: "id is required"})
	case !workflowIDPattern.MatchString(cfg.ID):
		errs = append(errs, model.FieldError{Field: "id", Code: "INVALID_FORMAT", Message: "id must be lowercase alphanumeric with . _ or -"})
	}

	if len(cfg.Steps) == 0 {
		errs = append(errs, model.FieldError{Field: "steps", Code: "REQUIRED", Message: "at least one step is required"})
	}
	for i, s := range cfg.Steps {
		if !s.Valid() {
			errs = append(errs, model.FieldError{Field: fmt.Sprintf("steps[%d]", i), Code: "UNKNOWN_STEP", Message: fmt.Sprintf("unknown step kind %d", int(s))})
		}
	}

	switch t := cfg.TimeoutMinutes; {
	case math.IsNaN(t) || math.IsInf(t, 0):
		errs = append(errs, model.FieldError{Field: "timeout_minutes", Code: "INVALID_FORMAT", Message: "timeout_minutes must be a finite number"})
	case t <= 0:
		errs = append(errs, model.FieldError{Field: "timeout_minutes", Code: "OUT_OF_RANGE", Message: "timeout_minutes must be greater than 0"})
	case t > model.MaxTimeoutMinutes:
		errs = append(errs, model.FieldError{Field: "timeout_minutes", Code: "OUT_OF_RANGE", Message: fmt.Sprintf("timeout_minutes must not exceed %d", model.MaxTimeoutMinutes)})
	}

	for k := range cfg.EnvironmentVariables {
		if k == "" {
			errs = append(errs, model.FieldError{Field: "environment_variables", Code: "INVALID_FORMAT", Message: "environment variable names must not be empty"})
			break
		}
	}
	return errs
}

// normalize removes duplicate notification channels, keeping first-seen
// order.
func normalize(cfg model.WorkflowConfig) model.WorkflowConfig {
	out := cfg.Clone()
	if len(out.NotificationChannels) == 0 {
		return out
	}
	seen := make(map[string]bool, len(out.NotificationChannels))
	channels := out.NotificationChannels[:0]
	for _, ch := range out.NotificationChannels {
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		channels = append(channels, ch)
	}
	out.NotificationChannels = channels
	return out
}
