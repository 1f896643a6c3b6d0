package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFilesLanguagePathFences(t *testing.T) {
	content := "Here is the skeleton:\n" +
		"```go:cmd/server/main.go\npackage main\n\nfunc main() {}\n```\n" +
		"And the config:\n" +
		"```yaml:config/app.yaml\nport: 8080\n```\n"

	files, err := ExtractFiles(content)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "cmd/server/main.go", files[0].Path)
	assert.Equal(t, "go", files[0].Language)
	assert.Equal(t, "package main\n\nfunc main() {}", files[0].Content)
	assert.Equal(t, "config/app.yaml", files[1].Path)
	assert.Equal(t, "yaml", files[1].Language)
}

func TestExtractFilesFilenamePrefix(t *testing.T) {
	content := "```filename:internal/db/store.go\npackage db\n```\n"
	files, err := ExtractFiles(content)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "internal/db/store.go", files[0].Path)
	assert.Empty(t, files[0].Language)
}

func TestExtractFilesBarePath(t *testing.T) {
	content := "```pkg/models/user.go\npackage models\n```\n" +
		"```Dockerfile\nFROM golang:1.25\n```\n"
	files, err := ExtractFiles(content)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "pkg/models/user.go", files[0].Path)
	assert.Equal(t, "Dockerfile", files[1].Path)
}

func TestExtractFilesSkipsPlainCodeBlocks(t *testing.T) {
	// A fence with only a language and no path is prose illustration.
	content := "Example usage:\n```go\nfmt.Println(\"hi\")\n```\n" +
		"```json\n{\"a\": 1}\n```\n"
	files, err := ExtractFiles(content)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestExtractFilesRejectsInvalidPaths(t *testing.T) {
	cases := []string{
		"```go:/etc/passwd\nx\n```\n",
		"```go:../../escape.go\nx\n```\n",
		"```filename:foo/../../bar.go\nx\n```\n",
	}
	for _, content := range cases {
		_, err := ExtractFiles(content)
		assert.Error(t, err, "content: %s", content)
	}
}

func TestExtractFilesUnterminatedFence(t *testing.T) {
	content := "```go:main.go\npackage main\n"
	_, err := ExtractFiles(content)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated")
}

func TestExtractFilesEmptyBody(t *testing.T) {
	files, err := ExtractFiles("```go:empty.go\n```\n")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Empty(t, files[0].Content)
}

func TestExtractPatches(t *testing.T) {
	content := "Two fixes:\n" +
		"diff --git a/pkg/api/server.go b/pkg/api/server.go\n" +
		"--- a/pkg/api/server.go\n" +
		"+++ b/pkg/api/server.go\n" +
		"@@ -10,3 +10,4 @@\n" +
		" func run() {\n" +
		"+	setup()\n" +
		" }\n" +
		"diff --git a/go.mod b/go.mod\n" +
		"--- a/go.mod\n" +
		"+++ b/go.mod\n" +
		"@@ -1,2 +1,3 @@\n" +
		" module demo\n" +
		"+require example.com/x v1.0.0\n"

	patches, err := ExtractPatches(content)
	require.NoError(t, err)
	require.Len(t, patches, 2)
	assert.Equal(t, "pkg/api/server.go", patches[0].OldPath)
	assert.Equal(t, "pkg/api/server.go", patches[0].NewPath)
	assert.Contains(t, patches[0].Body, "@@ -10,3 +10,4 @@")
	assert.Equal(t, "go.mod", patches[1].NewPath)
}

func TestExtractPatchesRequiresHunk(t *testing.T) {
	content := "diff --git a/a.go b/a.go\n--- a/a.go\n+++ b/a.go\n"
	_, err := ExtractPatches(content)
	assert.Error(t, err)
}

func TestExtractPatchesRejectsBadPaths(t *testing.T) {
	content := "diff --git a/../../x b/../../x\n@@ -1 +1 @@\n-x\n+y\n"
	_, err := ExtractPatches(content)
	assert.Error(t, err)
}

func TestValidPath(t *testing.T) {
	assert.True(t, validPath("main.go"))
	assert.True(t, validPath("a/b/c.ts"))
	assert.True(t, validPath("Makefile"))
	assert.False(t, validPath("/abs/path.go"))
	assert.False(t, validPath("a/../b.go"))
	assert.False(t, validPath("noextension"))
}
