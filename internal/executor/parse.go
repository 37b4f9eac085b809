package executor

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/flujo-ai/flujo/internal/llm"
)

// Tool-call synthesis from plain text. When a provider cannot accept
// structured tool schemas the model is instructed to emit calls as JSON
// objects or XML blocks; these extractors turn such replies back into
// structured ToolCalls with freshly minted ids. Parse failures yield no
// calls, in which case the reply is treated as a terminal text answer.

// ParseToolCallsFromText dispatches on the model's function-calling schema.
func ParseToolCallsFromText(format llm.SchemaFormat, text string) []llm.ToolCall {
	switch format {
	case llm.SchemaXML:
		return parseXMLToolCalls(text)
	default:
		return parseJSONToolCalls(text)
	}
}

// parseJSONToolCalls extracts every top-level JSON object of the shape
// {"tool"|"name": ..., "arguments": {...}} from the text.
func parseJSONToolCalls(text string) []llm.ToolCall {
	var calls []llm.ToolCall
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		obj, end := balancedObject(text, i)
		if obj == "" {
			continue
		}

		var probe struct {
			Tool      string         `json:"tool"`
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(obj), &probe); err == nil {
			name := probe.Tool
			if name == "" {
				name = probe.Name
			}
			if name != "" {
				args, _ := json.Marshal(probe.Arguments)
				calls = append(calls, llm.ToolCall{
					ID:        newToolCallID(),
					Name:      name,
					Arguments: string(args),
				})
				i = end
				continue
			}
		}
	}
	return calls
}

// balancedObject returns the brace-balanced substring starting at start, and
// the index of its closing brace. String literals are respected so braces
// inside argument values do not break the scan.
func balancedObject(s string, start int) (string, int) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], i
			}
		}
	}
	return "", start
}

var (
	xmlToolCallPattern = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	xmlNamePattern     = regexp.MustCompile(`(?s)<name>(.*?)</name>`)
	xmlArgsPattern     = regexp.MustCompile(`(?s)<arguments>(.*?)</arguments>`)
	xmlChildPattern    = regexp.MustCompile(`(?s)<([A-Za-z0-9_.-]+)>(.*?)</([A-Za-z0-9_.-]+)>`)
)

// parseXMLToolCalls extracts <tool_call> blocks. Arguments may be a JSON
// object or nested <param>value</param> tags.
func parseXMLToolCalls(text string) []llm.ToolCall {
	var calls []llm.ToolCall
	for _, block := range xmlToolCallPattern.FindAllStringSubmatch(text, -1) {
		body := block[1]
		nameMatch := xmlNamePattern.FindStringSubmatch(body)
		if nameMatch == nil {
			continue
		}
		name := strings.TrimSpace(nameMatch[1])
		if name == "" {
			continue
		}

		argsJSON := "{}"
		if argsMatch := xmlArgsPattern.FindStringSubmatch(body); argsMatch != nil {
			argsJSON = parseXMLArguments(argsMatch[1])
		}
		calls = append(calls, llm.ToolCall{
			ID:        newToolCallID(),
			Name:      name,
			Arguments: argsJSON,
		})
	}
	return calls
}

func parseXMLArguments(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			out, _ := json.Marshal(obj)
			return string(out)
		}
	}

	args := map[string]any{}
	for _, child := range xmlChildPattern.FindAllStringSubmatch(trimmed, -1) {
		if child[1] != child[3] {
			continue
		}
		args[child[1]] = strings.TrimSpace(child[2])
	}
	out, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(out)
}
