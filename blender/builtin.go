// Package blender registers the built-in capability set: the privileged
// run-code tool that is always present, resources exposing host state
// snapshots, and the node-explanation prompt.
package blender

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/niewinny/bMCP/capability"
	"github.com/niewinny/bMCP/tick"
)

// RunCodeTool is the name of the privileged run-code capability. It is
// pre-registered as protected and cannot be removed.
const RunCodeTool = "blender_run_code"

// Register installs the built-in capabilities for the given host. Resources
// are registered only when the host exposes snapshots.
func Register(reg *capability.Registry, h tick.Host) error {
	if err := reg.RegisterProtected(capability.Descriptor{
		Name: RunCodeTool,
		Kind: capability.KindTool,
		Description: "Execute code in the host's scripting environment with full host access. " +
			"Output printed during execution is returned as text.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"code": {Type: "string", Description: "Code to execute"},
			},
			Required: []string{"code"},
		},
		Handler: runCode(h),
	}); err != nil {
		return err
	}

	if sp, ok := h.(tick.SnapshotProvider); ok {
		for _, snap := range sp.Snapshots() {
			if err := reg.Register(snapshotResource(snap)); err != nil {
				return err
			}
		}
	}

	return reg.Register(explainGeonodes())
}

// runCode adapts the host's RunCode into a capability handler. No sandboxing
// happens here: anyone who can reach this tool has the same access as the
// host itself, and security lives at the transport layer.
func runCode(h tick.Host) capability.HandlerFunc {
	return func(_ context.Context, args map[string]any) (any, error) {
		code, _ := args["code"].(string)
		if code == "" {
			return nil, fmt.Errorf("code must be a non-empty string")
		}
		output, err := h.RunCode(code)
		if err != nil {
			return nil, err
		}
		return capability.Output{Text: output}, nil
	}
}

func snapshotResource(snap tick.Snapshot) capability.Descriptor {
	return capability.Descriptor{
		Name:        snap.Name,
		Kind:        capability.KindResource,
		Description: snap.Description,
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return snap.Read()
		},
	}
}
