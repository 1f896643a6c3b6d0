package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

// FileArtifact is one file extracted from a model response.
type FileArtifact struct {
	Path     string
	Language string
	Content  string
}

// Patch is one unified diff extracted from a model response.
type Patch struct {
	OldPath string
	NewPath string
	Body    string
}

// fenceOpen matches a code fence opening line. The info string carries the
// target path as "language:path", "filename:path", or a bare path.
var fenceOpen = regexp.MustCompile("^```([^`\n]*)$")

// pathPattern accepts relative file paths: segments of word characters,
// dots, and dashes joined by slashes, with a file extension or well-known
// extensionless name.
var pathPattern = regexp.MustCompile(`^[\w.\-]+(?:/[\w.\-]+)*$`)

var knownBareFiles = map[string]bool{
	"dockerfile": true,
	"makefile":   true,
	"procfile":   true,
}

// ExtractFiles parses named-path code fences out of a model response.
// Fences with an unknown or ambiguous path are rejected with an error naming
// the offending fence; fences with no info string are skipped (prose
// examples, not artifacts).
func ExtractFiles(content string) ([]FileArtifact, error) {
	var files []FileArtifact
	lines := strings.Split(content, "\n")

	for i := 0; i < len(lines); i++ {
		m := fenceOpen.FindStringSubmatch(strings.TrimRight(lines[i], " \t"))
		if m == nil {
			continue
		}
		info := strings.TrimSpace(m[1])

		// Collect the fence body up to the closing fence.
		var body []string
		closed := false
		j := i + 1
		for ; j < len(lines); j++ {
			if strings.TrimRight(lines[j], " \t") == "```" {
				closed = true
				break
			}
			body = append(body, lines[j])
		}
		if !closed {
			return nil, fmt.Errorf("unterminated code fence at line %d", i+1)
		}
		i = j

		if info == "" {
			continue
		}
		lang, path, err := parseFenceInfo(info)
		if err != nil {
			return nil, err
		}
		if path == "" {
			// Plain language fence without a path, not a file artifact.
			continue
		}
		files = append(files, FileArtifact{
			Path:     path,
			Language: lang,
			Content:  strings.Join(body, "\n"),
		})
	}
	return files, nil
}

// parseFenceInfo splits a fence info string into (language, path).
// Accepted forms: "language:path", "filename:path", bare "path", or a bare
// language token (path empty).
func parseFenceInfo(info string) (lang, path string, err error) {
	if before, after, found := strings.Cut(info, ":"); found {
		before = strings.TrimSpace(before)
		after = strings.TrimSpace(after)
		if before == "" || after == "" {
			return "", "", fmt.Errorf("ambiguous code fence header %q", info)
		}
		if !validPath(after) {
			return "", "", fmt.Errorf("invalid artifact path %q in code fence", after)
		}
		if strings.EqualFold(before, "filename") {
			return "", after, nil
		}
		return before, after, nil
	}

	// Bare token: a path if it looks like one, else a language tag.
	if strings.ContainsAny(info, "/.") || knownBareFiles[strings.ToLower(info)] {
		if !validPath(info) {
			return "", "", fmt.Errorf("invalid artifact path %q in code fence", info)
		}
		return "", info, nil
	}
	return info, "", nil
}

func validPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
		return false
	}
	if !pathPattern.MatchString(p) {
		return false
	}
	base := p[strings.LastIndex(p, "/")+1:]
	return strings.Contains(base, ".") || knownBareFiles[strings.ToLower(base)]
}

var diffHeader = regexp.MustCompile(`^diff --git a/(\S+) b/(\S+)$`)

// ExtractPatches parses unified diffs (diff --git blocks) out of a model
// response. The body of each patch includes its ---/+++ headers and hunks.
func ExtractPatches(content string) ([]Patch, error) {
	var patches []Patch
	lines := strings.Split(content, "\n")

	for i := 0; i < len(lines); i++ {
		m := diffHeader.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		oldPath, newPath := m[1], m[2]
		if !validPath(oldPath) || !validPath(newPath) {
			return nil, fmt.Errorf("invalid path in diff header %q", lines[i])
		}

		var body []string
		sawHunk := false
		j := i + 1
		for ; j < len(lines); j++ {
			if diffHeader.MatchString(lines[j]) || strings.TrimRight(lines[j], " \t") == "```" {
				break
			}
			if strings.HasPrefix(lines[j], "@@") {
				sawHunk = true
			}
			body = append(body, lines[j])
		}
		if !sawHunk {
			return nil, fmt.Errorf("diff for %s has no hunks", newPath)
		}
		patches = append(patches, Patch{
			OldPath: oldPath,
			NewPath: newPath,
			Body:    strings.TrimRight(strings.Join(body, "\n"), "\n"),
		})
		i = j - 1
	}
	return patches, nil
}
