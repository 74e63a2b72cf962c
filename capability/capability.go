// Package capability holds the registry of named, schema-described units of
// functionality invocable through the protocol: tools, resources, and
// prompts. Registration is the integration point for external extension code
// and is safe to call at any time, including after the server has started.
package capability

import (
	"context"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind discriminates the capability variants. All three share one dispatch
// path; behaviour differences live in the protocol router, not here.
type Kind string

// Capability kinds.
const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

func (k Kind) valid() bool {
	switch k {
	case KindTool, KindResource, KindPrompt:
		return true
	}
	return false
}

// URIScheme prefixes resource URIs derived from capability names.
const URIScheme = "blender://"

// HandlerFunc executes a capability. It always runs on the host execution
// thread, scheduled by the tick adapter; it may touch host state freely but
// must not block past the host's tolerance.
//
// The returned value may be an Output (text plus structured value), a plain
// string (treated as text output), or any other value (treated as the
// structured return value).
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Output is the handler return convention for capabilities that produce both
// captured text and a structured value.
type Output struct {
	// Text is the captured textual output.
	Text string

	// Value is the structured return value.
	Value any
}

// PromptArgument describes one argument accepted by a prompt capability.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// Descriptor describes one registered capability.
type Descriptor struct {
	// Name is the unique key within the capability's kind.
	Name string

	// Kind selects the tool/resource/prompt variant.
	Kind Kind

	// Title is an optional human-readable display name. For resources it
	// defaults to the title-cased name.
	Title string

	// Description is the human-readable summary shown in list responses.
	Description string

	// InputSchema constrains tool arguments. Resolved at registration;
	// payloads failing validation are rejected before a job is created.
	InputSchema *jsonschema.Schema

	// URI identifies a resource on the wire. Defaults to URIScheme + Name.
	URI string

	// MIMEType is the resource content type. Defaults to text/markdown.
	MIMEType string

	// Arguments describes prompt arguments.
	Arguments []PromptArgument

	// Handler executes the capability on the host thread.
	Handler HandlerFunc

	resolved  *jsonschema.Resolved
	protected bool
}

// ValidateArgs checks args against the descriptor's input schema. A nil
// schema accepts anything.
func (d *Descriptor) ValidateArgs(args map[string]any) error {
	if d.resolved == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return d.resolved.Validate(args)
}

// Protected reports whether the descriptor is shielded from Unregister.
func (d *Descriptor) Protected() bool {
	return d.protected
}

// displayName derives a resource display name from its registered name, e.g.
// "active_scene" -> "Active Scene". The caser is built per call: a
// cases.Caser carries mutable transform state and must not be shared across
// concurrent registrations.
func displayName(name string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(name, "_", " "))
}

// MCPTool converts the descriptor to its wire representation.
func (d *Descriptor) MCPTool() *mcp.Tool {
	schema := any(d.InputSchema)
	if d.InputSchema == nil {
		schema = map[string]any{"type": "object"}
	}
	return &mcp.Tool{
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		InputSchema: schema,
	}
}

// MCPResource converts the descriptor to its wire representation.
func (d *Descriptor) MCPResource() *mcp.Resource {
	return &mcp.Resource{
		URI:         d.URI,
		Name:        d.Title,
		Description: d.Description,
		MIMEType:    d.MIMEType,
	}
}

// MCPPrompt converts the descriptor to its wire representation.
func (d *Descriptor) MCPPrompt() *mcp.Prompt {
	args := make([]*mcp.PromptArgument, 0, len(d.Arguments))
	for _, a := range d.Arguments {
		args = append(args, &mcp.PromptArgument{
			Name:        a.Name,
			Description: a.Description,
			Required:    a.Required,
		})
	}
	return &mcp.Prompt{
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		Arguments:   args,
	}
}
