package definition

import "github.com/pitabwire/stagehand/model"

// Built-in workflow ids. They are seeded into every registry and cannot be
// deleted, though a registration may overwrite them.
const (
	WorkflowStandard        = "standard"
	WorkflowQuickDeploy     = "quick-deploy"
	WorkflowSecurityFocused = "security-focused"
	WorkflowFullPipeline    = "full-pipeline"
)

// Builtins returns fresh copies of the built-in workflows.
func Builtins() []model.WorkflowConfig {
	return []model.WorkflowConfig{
		{
			ID:          WorkflowStandard,
			Name:        "Standard Deployment",
			Description: "Validate, build, test and deploy a plugin.",
			Steps: []model.StepKind{
				model.StepValidation,
				model.StepBuild,
				model.StepTest,
				model.StepDeploy,
			},
			TimeoutMinutes: 30,
			AutoRollback:   true,
		},
		{
			ID:          WorkflowQuickDeploy,
			Name:        "Quick Deploy",
			Description: "Validate and deploy without building or testing.",
			Steps: []model.StepKind{
				model.StepValidation,
				model.StepDeploy,
			},
			TimeoutMinutes: 10,
			AutoRollback:   false,
		},
		{
			ID:          WorkflowSecurityFocused,
			Name:        "Security Focused",
			Description: "Scan before building, then deploy and monitor.",
			Steps: []model.StepKind{
				model.StepValidation,
				model.StepSecurityScan,
				model.StepBuild,
				model.StepTest,
				model.StepDeploy,
				model.StepMonitor,
			},
			TimeoutMinutes: 45,
			AutoRollback:   true,
		},
		{
			ID:          WorkflowFullPipeline,
			Name:        "Full Pipeline",
			Description: "Every step, with post-validation steps run in parallel.",
			Steps: []model.StepKind{
				model.StepValidation,
				model.StepBuild,
				model.StepTest,
				model.StepSecurityScan,
				model.StepDeploy,
				model.StepMonitor,
			},
			TimeoutMinutes:    60,
			AutoRollback:      true,
			ParallelExecution: true,
		},
	}
}

func isBuiltin(id string) bool {
	switch id {
	case WorkflowStandard, WorkflowQuickDeploy, WorkflowSecurityFocused, WorkflowFullPipeline:
		return true
	default:
		return false
	}
}
