package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// formatParameter renders a tool call's input as the activity parameter
// line. Tools without a dedicated formatter fall back to compact JSON.
func formatParameter(name string, raw json.RawMessage, input map[string]any) string {
	switch name {
	case "Read":
		return readParameter(input)
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return str(input, "file_path")
	case "Bash":
		return bashParameter(input)
	case "Grep", "Glob":
		return patternParameter(input)
	case "TodoWrite":
		return todoChecklist(input)
	case "WebFetch":
		return str(input, "url")
	case "WebSearch":
		return singleLine(str(input, "query"))
	case "Task":
		return taskParameter(input)
	}
	return compactJSON(raw)
}

func readParameter(m map[string]any) string {
	path := str(m, "file_path")
	offset, hasOffset := intField(m, "offset")
	limit, hasLimit := intField(m, "limit")
	switch {
	case hasOffset && hasLimit:
		return fmt.Sprintf("%s (lines %d-%d)", path, offset, offset+limit-1)
	case hasOffset:
		return fmt.Sprintf("%s (from line %d)", path, offset)
	case hasLimit:
		return fmt.Sprintf("%s (lines 1-%d)", path, limit)
	}
	return path
}

func bashParameter(m map[string]any) string {
	cmd := singleLine(str(m, "command"))
	if desc := singleLine(str(m, "description")); desc != "" {
		return cmd + " (" + desc + ")"
	}
	return cmd
}

func patternParameter(m map[string]any) string {
	p := "`" + str(m, "pattern") + "`"
	if path := str(m, "path"); path != "" {
		return p + " in " + path
	}
	return p
}

// todoChecklist renders the todo list one item per line with a status glyph.
func todoChecklist(m map[string]any) string {
	todos, _ := m["todos"].([]any)
	lines := make([]string, 0, len(todos))
	for _, t := range todos {
		item, _ := t.(map[string]any)
		if item == nil {
			continue
		}
		lines = append(lines, todoGlyph(str(item, "status"))+" "+singleLine(str(item, "content")))
	}
	return strings.Join(lines, "\n")
}

func todoGlyph(status string) string {
	switch status {
	case "completed":
		return "✅"
	case "in_progress":
		return "🔄"
	default:
		return "⏳"
	}
}

func taskParameter(m map[string]any) string {
	if desc := singleLine(str(m, "description")); desc != "" {
		return desc
	}
	return singleLine(str(m, "prompt"))
}

// prettyMCPName renders an mcp_{server}_{tool} identifier as
// "Server: Tool Words". Both single and double underscore separators
// appear in the wild.
func prettyMCPName(name string) string {
	rest := strings.TrimPrefix(name, "mcp_")
	rest = strings.TrimLeft(rest, "_")
	var server, tool string
	if i := strings.Index(rest, "__"); i >= 0 {
		server, tool = rest[:i], strings.TrimLeft(rest[i+2:], "_")
	} else if i := strings.IndexByte(rest, '_'); i >= 0 {
		server, tool = rest[:i], rest[i+1:]
	} else {
		server = rest
	}
	if tool == "" {
		return titleWords(server)
	}
	return titleWords(server) + ": " + titleWords(tool)
}

func titleWords(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) (int, bool) {
	f, ok := m[key].(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// singleLine collapses newlines so a parameter renders as one activity line.
func singleLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.Join(strings.Fields(s), " ")
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return singleLine(string(raw))
	}
	return buf.String()
}
