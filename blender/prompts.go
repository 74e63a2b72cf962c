package blender

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/niewinny/bMCP/capability"
)

const geonodesInstruction = `You are a Blender geometry nodes expert. Analyze and explain the node setup provided by the ` + "`blender://selected_geometry_nodes`" + ` resource.

## Instructions

1. Read the ` + "`blender://selected_geometry_nodes`" + ` resource to get the node graph data
2. Analyze the nodes, their connections, and their purposes
3. Provide a clear, educational explanation

## Analysis Structure

### 1. Overview
What is the overall purpose of this node setup, and what geometry or effect does it create?

### 2. Node-by-Node Breakdown
For each significant node: what it does, its inputs and outputs, and its role in the final result.

### 3. Data Flow
Trace how geometry and data transform from Group Input to Group Output.

### 4. Key Connections
Highlight the socket connections critical to the effect, including field versus geometry connections.

### 5. Tips & Insights
Common modifications, potential gotchas, and related geometry nodes patterns.`

var geonodesFocus = map[string]string{
	"inputs": "\n\n## Special Focus: Inputs & Parameters\n\n" +
		"Pay special attention to the Group Input node, how each exposed parameter affects the result, default values, and suggested value ranges.",
	"outputs": "\n\n## Special Focus: Outputs & Results\n\n" +
		"Emphasize what the Group Output produces, output attributes, and how downstream nodes would consume it.",
	"flow": "\n\n## Special Focus: Data Flow Analysis\n\n" +
		"Walk the complete data path step by step, noting every transformation applied to the geometry.",
	"optimization": "\n\n## Special Focus: Optimization\n\n" +
		"Identify redundant nodes, expensive operations, and simplifications that preserve the result.",
}

// explainGeonodes builds the prompt descriptor for explaining selected
// geometry nodes.
func explainGeonodes() capability.Descriptor {
	return capability.Descriptor{
		Name:        "explain_geonodes",
		Kind:        capability.KindPrompt,
		Description: "Explain selected geometry nodes in detail.",
		Arguments: []capability.PromptArgument{{
			Name:        "focus",
			Description: `Area to focus on: "all", "inputs", "outputs", "flow", or "optimization"`,
			Required:    false,
		}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			text := geonodesInstruction
			if focus, ok := args["focus"].(string); ok {
				text += geonodesFocus[focus]
			}
			return []*mcp.PromptMessage{{
				Role:    "user",
				Content: &mcp.TextContent{Text: text},
			}}, nil
		},
	}
}
