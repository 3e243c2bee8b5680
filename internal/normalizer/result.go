package normalizer

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxResultChars caps a rendered tool result. Longer outputs are cut at the
// last line break past 80% of the cap so the cut lands on a whole line.
const maxResultChars = 10000

// formatResult renders a tool result for posting. Edit-family calls whose
// input carries the old/new pair render as a reconstructed unified diff;
// everything else is the runner's output in a fenced block.
func formatResult(tc toolCall, output string) string {
	if diff := editDiff(tc); diff != "" {
		return fence("diff", truncateResult(diff))
	}
	out := strings.TrimRight(output, "\n")
	if strings.TrimSpace(out) == "" {
		return "(no output)"
	}
	return fence(resultLanguage(tc, out), truncateResult(out))
}

// editDiff reconstructs a unified diff for Edit calls that carry the
// replaced text in their input. Runners that only report a file path deliver
// the provider's diff in the result output instead, so a missing pair falls
// through to the plain renderer.
func editDiff(tc toolCall) string {
	switch tc.name {
	case "Edit":
		return unifiedDiff(str(tc.input, "file_path"), str(tc.input, "old_string"), str(tc.input, "new_string"))
	case "MultiEdit":
		path := str(tc.input, "file_path")
		edits, _ := tc.input["edits"].([]any)
		var parts []string
		for _, e := range edits {
			m, _ := e.(map[string]any)
			if m == nil {
				continue
			}
			if d := unifiedDiff(path, str(m, "old_string"), str(m, "new_string")); d != "" {
				parts = append(parts, d)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// unifiedDiff renders a line-level diff of the replaced span. Line numbers
// inside the file are unknown for a snippet edit, so the hunk header carries
// line counts only.
func unifiedDiff(path, oldStr, newStr string) string {
	if (oldStr == "" && newStr == "") || oldStr == newStr {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lineArr := dmp.DiffLinesToChars(oldStr, newStr)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArr)

	var sb strings.Builder
	if path != "" {
		fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", path, path)
	}
	fmt.Fprintf(&sb, "@@ -1,%d +1,%d @@\n", lineCount(oldStr), lineCount(newStr))
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Split(strings.TrimSuffix(s, "\n"), "\n"))
}

func truncateResult(s string) string {
	if len(s) <= maxResultChars {
		return s
	}
	head := s[:maxResultChars]
	if i := strings.LastIndexByte(head, '\n'); i >= maxResultChars*8/10 {
		head = head[:i]
	}
	return head + "\n… (truncated)"
}

func fence(lang, body string) string {
	return "```" + lang + "\n" + body + "\n```"
}

// resultLanguage picks the fence language: file-backed tools use the file
// extension, Edit output is always a diff, and JSON-looking output from
// anything else is tagged json.
func resultLanguage(tc toolCall, output string) string {
	switch tc.name {
	case "Read", "Write", "NotebookEdit":
		return detectLanguage(str(tc.input, "file_path"))
	case "Edit", "MultiEdit":
		return "diff"
	}
	trimmed := strings.TrimSpace(output)
	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid([]byte(trimmed)) {
		return "json"
	}
	return ""
}

func detectLanguage(path string) string {
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "go":
		return "go"
	case "ts", "tsx":
		return "typescript"
	case "js", "jsx", "mjs":
		return "javascript"
	case "py":
		return "python"
	case "rs":
		return "rust"
	case "java":
		return "java"
	case "c", "h":
		return "c"
	case "cpp", "cc", "hpp":
		return "cpp"
	case "css":
		return "css"
	case "html":
		return "html"
	case "json":
		return "json"
	case "md":
		return "markdown"
	case "yaml", "yml":
		return "yaml"
	case "sh", "bash":
		return "bash"
	case "sql":
		return "sql"
	case "toml":
		return "toml"
	}
	return ""
}
