package registry

import (
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// Status alphabets shared by the built-in stage set.
var (
	doneAlphabet = []models.StageStatus{
		models.StageStatusPending, models.StageStatusRunning,
		models.StageStatusDone, models.StageStatusError, models.StageStatusCancelled,
	}
	createdAlphabet = []models.StageStatus{
		models.StageStatusPending, models.StageStatusRunning,
		models.StageStatusCreated, models.StageStatusError, models.StageStatusCancelled,
	}
	testAlphabet = []models.StageStatus{
		models.StageStatusPending, models.StageStatusRunning,
		models.StageStatusPassed, models.StageStatusFailed,
		models.StageStatusError, models.StageStatusCancelled,
	}
	pushAlphabet = []models.StageStatus{
		models.StageStatusPending, models.StageStatusRunning,
		models.StageStatusPushed, models.StageStatusError, models.StageStatusCancelled,
	}
	deployAlphabet = []models.StageStatus{
		models.StageStatusPending, models.StageStatusRunning,
		models.StageStatusDeployed, models.StageStatusError, models.StageStatusCancelled,
	}
)

// BuiltinStages returns the canonical build plan in dependency order.
func BuiltinStages() []StageDefinition {
	return []StageDefinition{
		{
			ID:              "creating_specs",
			Label:           "Creating specifications",
			Description:     "Clarify and expand the project spec into build specifications",
			AllowedStatuses: doneAlphabet,
			Timeout:         2 * time.Minute,
			Retryable:       true,
			Retries:         2,
			Critical:        true,
			Category:        "planning",
			Icon:            "clipboard",
			PayloadSchema: PayloadSchema{
				"projectName": {Type: FieldString, Required: true, MinLength: intPtr(1)},
				"features":    {Type: FieldObject},
			},
		},
		{
			ID:              "creating_docs",
			Label:           "Creating documentation",
			Description:     "Generate the project plan and documentation",
			AllowedStatuses: doneAlphabet,
			Dependencies:    []string{"creating_specs"},
			Timeout:         2 * time.Minute,
			Retryable:       true,
			Retries:         2,
			Critical:        false,
			Category:        "planning",
			Icon:            "book",
		},
		{
			ID:              "creating_schema",
			Label:           "Creating data schema",
			Description:     "Design the application data model",
			AllowedStatuses: doneAlphabet,
			Dependencies:    []string{"creating_docs"},
			Timeout:         3 * time.Minute,
			Retryable:       true,
			Retries:         2,
			Critical:        true,
			Category:        "planning",
			Icon:            "database",
		},
		{
			ID:              "creating_workspace",
			Label:           "Creating workspace",
			Description:     "Prepare the generation workspace",
			AllowedStatuses: createdAlphabet,
			Dependencies:    []string{"creating_schema"},
			Timeout:         1 * time.Minute,
			Retryable:       true,
			Retries:         1,
			Critical:        true,
			Category:        "generation",
			Icon:            "folder",
		},
		{
			ID:                     "creating_files",
			Label:                  "Creating files",
			Description:            "Generate the application skeleton, one event per file path",
			SupportsMultipleEvents: true,
			AllowedStatuses:        doneAlphabet,
			Dependencies:           []string{"creating_workspace"},
			Timeout:                10 * time.Minute,
			Retryable:              true,
			Retries:                2,
			Critical:               true,
			Category:               "generation",
			Icon:                   "file-plus",
		},
		{
			ID:                     "coding_file",
			Label:                  "Writing code",
			Description:            "Fill in generated files with application code",
			SupportsMultipleEvents: true,
			AllowedStatuses:        doneAlphabet,
			Dependencies:           []string{"creating_files"},
			Timeout:                15 * time.Minute,
			Retryable:              true,
			Retries:                2,
			Critical:               true,
			Category:               "generation",
			Icon:                   "code",
		},
		{
			ID:                     "running_tests",
			Label:                  "Running tests",
			Description:            "Generate and run the test suite, one event per test",
			SupportsMultipleEvents: true,
			AllowedStatuses:        testAlphabet,
			Dependencies:           []string{"coding_file"},
			Timeout:                10 * time.Minute,
			Retryable:              true,
			Retries:                2,
			Critical:               false,
			Category:               "testing",
			Icon:                   "check-circle",
		},
		{
			ID:              "creating_repo",
			Label:           "Creating repository",
			Description:     "Create the source repository",
			AllowedStatuses: createdAlphabet,
			Dependencies:    []string{"running_tests"},
			Timeout:         2 * time.Minute,
			Retryable:       true,
			Retries:         2,
			Critical:        true,
			Category:        "delivery",
			Icon:            "git-branch",
		},
		{
			ID:              "repo_created",
			Label:           "Repository ready",
			Description:     "Verify repository access and record the artifact",
			AllowedStatuses: doneAlphabet,
			Dependencies:    []string{"creating_repo"},
			Timeout:         1 * time.Minute,
			Retryable:       true,
			Retries:         1,
			Critical:        true,
			Category:        "delivery",
			Icon:            "git-commit",
		},
		{
			ID:              "pushing_files",
			Label:           "Pushing files",
			Description:     "Push generated files to the repository",
			AllowedStatuses: pushAlphabet,
			Dependencies:    []string{"repo_created"},
			Timeout:         3 * time.Minute,
			Retryable:       true,
			Retries:         2,
			Critical:        true,
			Category:        "delivery",
			Icon:            "upload",
		},
		{
			ID:                     "deploying",
			Label:                  "Deploying",
			Description:            "Provision and deploy application resources, one event per resource",
			SupportsMultipleEvents: true,
			AllowedStatuses:        deployAlphabet,
			Dependencies:           []string{"pushing_files"},
			Timeout:                10 * time.Minute,
			Retryable:              true,
			Retries:                2,
			Critical:               true,
			Category:               "delivery",
			Icon:                   "cloud",
		},
		{
			ID:              "deployment_complete",
			Label:           "Deployment complete",
			Description:     "Record deployment outputs and finish the build",
			AllowedStatuses: doneAlphabet,
			Dependencies:    []string{"deploying"},
			Timeout:         1 * time.Minute,
			Retryable:       true,
			Retries:         1,
			Critical:        true,
			Category:        "delivery",
			Icon:            "flag",
		},
	}
}

func intPtr(v int) *int { return &v }
