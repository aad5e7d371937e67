// Package mcpservice hosts the capability surface an MCP server advertises:
// the tools and prompts containers plus the descriptor building blocks for
// registering them. Transports and the dispatch engine consume this package;
// it knows nothing about HTTP, stdio or sessions beyond the authenticated
// caller passed to each handler.
//
// Tools are declared with typed argument structs. NewTool reflects a JSON
// schema from the struct via invopop/jsonschema and rejects unknown fields at
// decode time unless configured otherwise:
//
//	type echoArgs struct {
//		Message string `json:"message" jsonschema:"description=Text to echo back"`
//	}
//	tool := mcpservice.NewTool[echoArgs]("echo", func(ctx context.Context, caller auth.UserInfo, r *mcpservice.ToolRequest[echoArgs]) (*mcp.CallToolResult, error) {
//		return mcpservice.TextResult(r.Args().Message), nil
//	}, mcpservice.WithToolDescription("Echo a message"))
package mcpservice
