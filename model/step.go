package model

import (
	"fmt"
)

// StepKind identifies one phase of a deployment workflow. The set is closed;
// every switch over StepKind in this module is exhaustive.
type StepKind int

const (
	// StepNone marks the absence of a current step.
	StepNone StepKind = iota
	StepValidation
	StepBuild
	StepTest
	StepSecurityScan
	StepDeploy
	StepMonitor
	StepRollback
)

// AllSteps lists every executable step kind in pipeline order.
var AllSteps = []StepKind{
	StepValidation,
	StepBuild,
	StepTest,
	StepSecurityScan,
	StepDeploy,
	StepMonitor,
	StepRollback,
}

func (k StepKind) String() string {
	switch k {
	case StepNone:
		return ""
	case StepValidation:
		return "validation"
	case StepBuild:
		return "build"
	case StepTest:
		return "test"
	case StepSecurityScan:
		return "security_scan"
	case StepDeploy:
		return "deploy"
	case StepMonitor:
		return "monitor"
	case StepRollback:
		return "rollback"
	default:
		return fmt.Sprintf("step(%d)", int(k))
	}
}

// Valid reports whether k is an executable step kind.
func (k StepKind) Valid() bool {
	return k >= StepValidation && k <= StepRollback
}

// ParseStepKind converts a step name into a StepKind.
func ParseStepKind(name string) (StepKind, error) {
	for _, k := range AllSteps {
		if k.String() == name {
			return k, nil
		}
	}
	return StepNone, fmt.Errorf("unknown step kind %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (k StepKind) MarshalText() ([]byte, error) {
	if k != StepNone && !k.Valid() {
		return nil, fmt.Errorf("unknown step kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *StepKind) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = StepNone
		return nil
	}
	parsed, err := ParseStepKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
