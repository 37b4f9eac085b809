package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ParamSpec is one parameter extracted from a tool's JSON Schema, flattened
// for prompt rendering.
type ParamSpec struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolSpec is the prompt-facing description of a tool.
type ToolSpec struct {
	Name        string
	Description string
	Params      []ParamSpec
}

// ParseInputSchema flattens the top-level properties of a JSON Schema object
// into ParamSpecs, sorted by name for stable output. Malformed schemas yield
// no parameters rather than an error: a tool without a readable schema is
// still describable by name.
func ParseInputSchema(raw json.RawMessage) []ParamSpec {
	if len(raw) == 0 {
		return nil
	}
	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	params := make([]ParamSpec, 0, len(schema.Properties))
	for name, prop := range schema.Properties {
		params = append(params, ParamSpec{
			Name:        name,
			Type:        prop.Type,
			Description: prop.Description,
			Required:    required[name],
		})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

// FormatToolDescription renders one tool in the format the model's
// function-calling schema dictates.
func FormatToolDescription(format SchemaFormat, t ToolSpec) string {
	switch format {
	case SchemaJSON:
		return formatToolJSON(t)
	case SchemaXML:
		return formatToolXML(t)
	default:
		return formatToolText(t)
	}
}

// FormatToolBlock renders the tool-description block embedded into a system
// prompt when a provider cannot accept structured tool schemas.
func FormatToolBlock(format SchemaFormat, tools []ToolSpec) string {
	if len(tools) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("You have access to the following tools. To use a tool, reply with a tool call in the format shown below.\n")
	for _, t := range tools {
		sb.WriteString("\n")
		sb.WriteString(FormatToolDescription(format, t))
		sb.WriteString("\n")
	}
	switch format {
	case SchemaJSON:
		sb.WriteString("\nTo call a tool, reply with a single JSON object: {\"tool\": \"<name>\", \"arguments\": {…}}\n")
	case SchemaXML:
		sb.WriteString("\nTo call a tool, reply with an XML block: <tool_call><name>…</name><arguments>…</arguments></tool_call>\n")
	default:
		sb.WriteString("\nTo call a tool, state the tool name and its arguments.\n")
	}
	return sb.String()
}

func formatToolJSON(t ToolSpec) string {
	props := make(map[string]any, len(t.Params))
	var required []string
	for _, p := range t.Params {
		props[p.Name] = map[string]any{"type": p.Type, "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	obj := map[string]any{
		"name":        t.Name,
		"description": t.Description,
		"parameters": map[string]any{
			"type":       "object",
			"properties": props,
		},
	}
	if len(required) > 0 {
		obj["parameters"].(map[string]any)["required"] = required
	}
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return formatToolText(t)
	}
	return string(data)
}

func formatToolXML(t ToolSpec) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<tool>\n  <name>%s</name>\n  <description>%s</description>\n", escapeXML(t.Name), escapeXML(t.Description))
	if len(t.Params) > 0 {
		sb.WriteString("  <parameters>\n")
		for _, p := range t.Params {
			req := ""
			if p.Required {
				req = ` required="true"`
			}
			fmt.Fprintf(&sb, "    <param name=%q type=%q%s>%s</param>\n", p.Name, p.Type, req, escapeXML(p.Description))
		}
		sb.WriteString("  </parameters>\n")
	}
	sb.WriteString("</tool>")
	return sb.String()
}

func formatToolText(t ToolSpec) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool: %s\n%s\n", t.Name, t.Description)
	if len(t.Params) > 0 {
		sb.WriteString("Parameters:\n")
		for _, p := range t.Params {
			req := ""
			if p.Required {
				req = ", required"
			}
			fmt.Fprintf(&sb, "  - %s (%s%s): %s\n", p.Name, p.Type, req, p.Description)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// escapeXML applies the five standard XML entity escapes.
func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

// EscapeXML is the exported form used when wrapping external tool calls.
func EscapeXML(s string) string { return escapeXML(s) }
