// Package router dispatches protocol methods to the capability registry and
// the execution broker. It is transport-agnostic: it receives a structured
// request and returns a structured result or error, and performs no I/O
// framing.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/niewinny/bMCP/broker"
	"github.com/niewinny/bMCP/capability"
	"github.com/niewinny/bMCP/job"
)

// Protocol versions this server speaks. The client's requested version is
// echoed back when supported, otherwise the oldest supported version is used.
var supportedVersions = []string{"2024-11-05", "2025-06-18"}

// DefaultOutputLimit caps tool output carried in a single response.
const DefaultOutputLimit = 2 * 1024 * 1024

// Options configures a Router.
type Options struct {
	// Name is the server name reported during initialization.
	Name string

	// Version is the server version reported during initialization.
	Version string

	// OutputLimit truncates tool output beyond this many bytes.
	// Default: 2 MiB.
	OutputLimit int

	// Logger receives per-method dispatch events.
	Logger zerolog.Logger
}

// Router implements the protocol method set over a registry and a broker.
type Router struct {
	registry    *capability.Registry
	broker      *broker.Broker
	name        string
	version     string
	outputLimit int
	log         zerolog.Logger
}

// New creates a router.
func New(registry *capability.Registry, b *broker.Broker, opts Options) *Router {
	if opts.Name == "" {
		opts.Name = "bMCP"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	return &Router{
		registry:    registry,
		broker:      b,
		name:        opts.Name,
		version:     opts.Version,
		outputLimit: opts.OutputLimit,
		log:         opts.Logger,
	}
}

// Dispatch routes one protocol method. A nil result with a nil error is a
// handled notification.
func (r *Router) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, *Error) {
	r.log.Debug().Str("method", method).Msg("dispatch")

	switch method {
	case "initialize":
		return r.initialize(params)
	case "tools/list":
		return r.listTools(), nil
	case "tools/call":
		return r.callTool(ctx, params)
	case "resources/list":
		return r.listResources(), nil
	case "resources/read":
		return r.readResource(ctx, params)
	case "prompts/list":
		return r.listPrompts(), nil
	case "prompts/get":
		return r.getPrompt(ctx, params)
	case "ping":
		return map[string]any{}, nil
	case "notifications/initialized", "notifications/cancelled":
		return nil, nil
	}
	r.log.Warn().Str("method", method).Msg("unknown method")
	return nil, Errorf(CodeMethodNotFound, "method %q not supported", method)
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

func (r *Router) initialize(params json.RawMessage) (any, *Error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, Errorf(CodeInvalidParams, "invalid initialize params: %v", err)
		}
	}

	version := supportedVersions[0]
	for _, v := range supportedVersions {
		if p.ProtocolVersion == v {
			version = v
			break
		}
	}
	r.log.Info().Str("client", p.ProtocolVersion).Str("using", version).Msg("initialize")

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      &mcp.Implementation{Name: r.name, Version: r.version},
		Capabilities: &mcp.ServerCapabilities{
			Tools:     &mcp.ToolCapabilities{ListChanged: false},
			Resources: &mcp.ResourceCapabilities{Subscribe: false, ListChanged: false},
			Prompts:   &mcp.PromptCapabilities{ListChanged: false},
		},
	}, nil
}

func (r *Router) listTools() *mcp.ListToolsResult {
	descs := r.registry.List(capability.KindTool)
	tools := make([]*mcp.Tool, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, d.MCPTool())
	}
	return &mcp.ListToolsResult{Tools: tools}
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (r *Router) callTool(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p callToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "invalid tools/call params: %v", err)
	}
	if p.Name == "" {
		return nil, Errorf(CodeInvalidParams, "tool name is required")
	}

	res, err := r.broker.Invoke(ctx, broker.Invocation{
		Kind: capability.KindTool,
		Name: p.Name,
		Args: p.Arguments,
	})
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrUnknownCapability),
			errors.Is(err, broker.ErrInvalidPayload):
			// Protocol-level failures: the request itself was bad.
			return nil, Errorf(CodeInvalidParams, "%s: %v", ErrorKind(err), err)
		default:
			// The tool ran (or was scheduled) and failed: per protocol, an
			// in-band error result, not a dropped or error response.
			r.log.Error().Str("tool", p.Name).Err(err).Msg("tool call failed")
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{
					Text: fmt.Sprintf("%s: %v", ErrorKind(err), err),
				}},
			}, nil
		}
	}

	text := r.truncate(res.Output)
	if text == "" {
		text = "Code executed successfully"
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: text}},
		StructuredContent: res.Value,
	}, nil
}

func (r *Router) listResources() map[string]any {
	descs := r.registry.List(capability.KindResource)
	resources := make([]*mcp.Resource, 0, len(descs))
	for _, d := range descs {
		resources = append(resources, d.MCPResource())
	}
	// resourceTemplates is required by the protocol even when empty.
	return map[string]any{
		"resources":         resources,
		"resourceTemplates": []any{},
	}
}

type readResourceParams struct {
	URI string `json:"uri"`
}

func (r *Router) readResource(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p readResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "invalid resources/read params: %v", err)
	}
	if p.URI == "" {
		return nil, Errorf(CodeInvalidParams, "resource URI is required")
	}

	desc, ok := r.registry.GetResource(p.URI)
	if !ok {
		return nil, Errorf(CodeInvalidParams, "UnknownCapability: resource %q is not registered", p.URI)
	}

	res, err := r.broker.Invoke(ctx, broker.Invocation{
		Kind: capability.KindResource,
		Name: desc.Name,
	})
	if err != nil {
		// Resource reads either succeed or fail cleanly as a protocol error.
		r.log.Error().Str("uri", p.URI).Err(err).Msg("resource read failed")
		return nil, Errorf(CodeInternalError, "%s: resource read failed: %v", ErrorKind(err), err)
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      desc.URI,
			MIMEType: desc.MIMEType,
			Text:     res.Output,
		}},
	}, nil
}

func (r *Router) listPrompts() *mcp.ListPromptsResult {
	descs := r.registry.List(capability.KindPrompt)
	prompts := make([]*mcp.Prompt, 0, len(descs))
	for _, d := range descs {
		prompts = append(prompts, d.MCPPrompt())
	}
	return &mcp.ListPromptsResult{Prompts: prompts}
}

type getPromptParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (r *Router) getPrompt(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p getPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "invalid prompts/get params: %v", err)
	}
	if p.Name == "" {
		return nil, Errorf(CodeInvalidParams, "prompt name is required")
	}

	desc, ok := r.registry.Get(capability.KindPrompt, p.Name)
	if !ok {
		return nil, Errorf(CodeInvalidParams, "UnknownCapability: prompt %q is not registered", p.Name)
	}

	// Prompts are pure text assembly: no host state involved, so they run
	// directly on the network context instead of waiting for a tick.
	v, err := desc.Handler(ctx, p.Arguments)
	if err != nil {
		return nil, Errorf(CodeInternalError, "prompt %q failed: %v", p.Name, err)
	}
	messages, ok := v.([]*mcp.PromptMessage)
	if !ok {
		return nil, Errorf(CodeInternalError, "prompt %q returned unexpected payload", p.Name)
	}
	return &mcp.GetPromptResult{
		Description: desc.Description,
		Messages:    messages,
	}, nil
}

// truncate caps text at the configured output limit, appending a truncation
// notice so callers know content was dropped rather than absent.
func (r *Router) truncate(text string) string {
	if len(text) <= r.outputLimit {
		return text
	}
	// Back the cut off to a rune boundary so the response stays valid UTF-8.
	cut := r.outputLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	original := len(text)
	return text[:cut] + fmt.Sprintf(
		"\n\n[OUTPUT TRUNCATED]\nOriginal size: %d bytes\nLimit: %d bytes\nTruncated: %d bytes",
		original, r.outputLimit, original-cut,
	)
}

// ErrorKind maps a broker error to its wire-level kind tag.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, broker.ErrUnknownCapability):
		return "UnknownCapability"
	case errors.Is(err, broker.ErrInvalidPayload):
		return "InvalidPayload"
	case errors.Is(err, broker.ErrTimeout):
		return "Timeout"
	case errors.Is(err, broker.ErrCancelled),
		errors.Is(err, job.ErrEvicted),
		errors.Is(err, job.ErrSwept):
		return "Cancelled"
	default:
		return "ExecutionError"
	}
}
