// Package prompt composes the effective system prompt for a flow node and
// expands tool pills into model-appropriate tool descriptions.
package prompt

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/flujo-ai/flujo/internal/flow"
	"github.com/flujo-ai/flujo/internal/llm"
	"github.com/flujo-ai/flujo/internal/mcp"
	"github.com/flujo-ai/flujo/internal/store"
)

// ToolDelim separates server from tool inside qualified tool names and tool
// pills. It is a sentinel a user would never type, so prefix-matching on it
// is a safe internal/external discriminator.
const ToolDelim = "-_-_-"

var pillPattern = regexp.MustCompile(
	`\$\{` + regexp.QuoteMeta(ToolDelim) + `([^${}]+?)` + regexp.QuoteMeta(ToolDelim) + `([^${}]+?)\}`)

// QualifiedToolName builds the internal tool name that preserves server
// provenance across the model boundary.
func QualifiedToolName(server, tool string) string {
	return ToolDelim + server + ToolDelim + tool
}

// ParseQualifiedToolName splits a qualified tool name back into its server
// and tool parts.
func ParseQualifiedToolName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, ToolDelim) {
		return "", "", false
	}
	rest := name[len(ToolDelim):]
	i := strings.Index(rest, ToolDelim)
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+len(ToolDelim):], true
}

// IsQualifiedToolName reports whether name carries the internal delimiter
// prefix.
func IsQualifiedToolName(name string) bool {
	return strings.HasPrefix(name, ToolDelim)
}

// Pill renders the prompt marker for one (server, tool) reference.
func Pill(server, tool string) string {
	return "${" + QualifiedToolName(server, tool) + "}"
}

// PillRef is one (server, tool) reference extracted from a prompt.
type PillRef struct {
	Server string
	Tool   string
}

// ExtractPills returns every tool-pill reference in s, in order of
// appearance.
func ExtractPills(s string) []PillRef {
	var refs []PillRef
	for _, m := range pillPattern.FindAllStringSubmatch(s, -1) {
		refs = append(refs, PillRef{Server: m[1], Tool: m[2]})
	}
	return refs
}

// ToolLister is the slice of the MCP manager the renderer depends on.
type ToolLister interface {
	ListServerTools(ctx context.Context, name string) ([]mcp.ToolInfo, error)
}

// Options select prompt parts and rendering mode.
type Options struct {
	ExcludeStartNodePrompt bool
	ExcludeModelPrompt     bool

	// Raw skips pill expansion and returns pills untouched.
	Raw bool
}

// pill expansion retry schedule
const (
	expandAttempts    = 3
	expandBackoffBase = 100 * time.Millisecond
)

// Renderer composes node prompts. It is stateless between calls; tool
// catalogs are snapshotted per Render.
type Renderer struct {
	store store.Store
	tools ToolLister
}

func NewRenderer(s store.Store, tools ToolLister) *Renderer {
	return &Renderer{store: s, tools: tools}
}

// Render builds the system prompt for nodeID of flowID: start-node prompt,
// then model prompt with schema instruction sentences, then the node's own
// prompt, then pill expansion.
func (r *Renderer) Render(ctx context.Context, flowID, nodeID string, opts Options) (string, error) {
	f, err := flow.Load(ctx, r.store, flowID)
	if err != nil {
		return "", err
	}
	node, ok := f.Node(nodeID)
	if !ok {
		return "", fmt.Errorf("prompt: flow %q has no node %q", flowID, nodeID)
	}

	var model *llm.Model
	if node.Properties.ModelID != "" {
		model, err = llm.LoadModel(ctx, r.store, node.Properties.ModelID)
		if err != nil {
			log.Printf("[Prompt] Model %q for node %q not loadable: %v", node.Properties.ModelID, nodeID, err)
			model = nil
		}
	}

	var parts []string

	if !opts.ExcludeStartNodePrompt && node.Type != flow.NodeStart {
		if start, serr := f.Start(); serr == nil && start.Properties.PromptTemplate != "" {
			parts = append(parts, start.Properties.PromptTemplate)
		}
	}

	if !opts.ExcludeModelPrompt && model != nil {
		if model.PromptTemplate != "" {
			parts = append(parts, model.PromptTemplate)
		}
		if s := schemaInstructions(model); s != "" {
			parts = append(parts, s)
		}
	}

	if node.Properties.PromptTemplate != "" {
		parts = append(parts, node.Properties.PromptTemplate)
	}

	rendered := strings.Join(parts, "\n\n")
	if opts.Raw {
		return rendered, nil
	}

	format := llm.SchemaNone
	if model != nil {
		format = model.FunctionCallingSchema
	}
	return r.expandPills(ctx, rendered, format), nil
}

// schemaInstructions states the model's declared output conventions as
// literal sentences appended after its prompt template.
func schemaInstructions(model *llm.Model) string {
	var sb strings.Builder
	if model.ReasoningTag != "" {
		fmt.Fprintf(&sb, "Wrap your internal reasoning in <%s> tags.", model.ReasoningTag)
	}
	switch model.FunctionCallingSchema {
	case llm.SchemaJSON:
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString("When you call a tool, emit the call as a JSON object.")
	case llm.SchemaXML:
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString("When you call a tool, emit the call as an XML block.")
	}
	return sb.String()
}

// expandPills replaces every tool pill with a rendered tool description.
// Irrecoverable failures leave the pill literal so the prompt still carries
// the reference.
func (r *Renderer) expandPills(ctx context.Context, s string, format llm.SchemaFormat) string {
	if !strings.Contains(s, "${"+ToolDelim) {
		return s
	}

	catalog := map[string][]mcp.ToolInfo{}

	return pillPattern.ReplaceAllStringFunc(s, func(pill string) string {
		m := pillPattern.FindStringSubmatch(pill)
		server, tool := m[1], m[2]

		tools, ok := catalog[server]
		if !ok {
			var err error
			tools, err = r.listWithRetry(ctx, server)
			if err != nil {
				log.Printf("[Prompt] Could not list tools of %q for pill expansion: %v", server, err)
				catalog[server] = nil
				return pill
			}
			catalog[server] = tools
		}

		for _, t := range tools {
			if t.Name == tool {
				return llm.FormatToolDescription(format, llm.ToolSpec{
					Name:        t.Name,
					Description: t.Description,
					Params:      llm.ParseInputSchema(t.InputSchema),
				})
			}
		}
		log.Printf("[Prompt] Server %q exposes no tool %q, leaving pill literal", server, tool)
		return pill
	})
}

// listWithRetry lists a server's tools, retrying with exponential backoff so
// a server still starting up gets a chance to come online.
func (r *Renderer) listWithRetry(ctx context.Context, server string) ([]mcp.ToolInfo, error) {
	var lastErr error
	delay := expandBackoffBase
	for attempt := 0; attempt < expandAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		tools, err := r.tools.ListServerTools(ctx, server)
		if err == nil {
			return tools, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
