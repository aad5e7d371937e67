package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/engagekit/mcp-server/auth"
	"github.com/engagekit/mcp-server/mcp"
)

// testCaller is a minimal UserInfo for container tests.
type testCaller struct{}

func (testCaller) UserID() string       { return "test-user" }
func (testCaller) Claims(ref any) error { return nil }

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo back"`
	Count   int    `json:"count,omitempty"`
}

func echoTool() StaticTool {
	return NewTool[echoArgs]("echo",
		func(ctx context.Context, caller auth.UserInfo, r *ToolRequest[echoArgs]) (*mcp.CallToolResult, error) {
			return TextResult(r.Args().Message), nil
		},
		WithToolDescription("Echoes the message back."),
	)
}

func TestNewToolReflectsSchema(t *testing.T) {
	tool := echoTool()

	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("schema type = %q, want object", schema.Type)
	}
	msg, ok := schema.Properties["message"]
	if !ok {
		t.Fatalf("schema properties = %v, want a message property", schema.Properties)
	}
	if msg.Type != "string" {
		t.Fatalf("message type = %q, want string", msg.Type)
	}
	if msg.Description != "Text to echo back" {
		t.Fatalf("message description = %q", msg.Description)
	}
	if count, ok := schema.Properties["count"]; !ok || count.Type != "integer" {
		t.Fatalf("count property = %+v, want integer", count)
	}

	found := false
	for _, name := range schema.Required {
		if name == "message" {
			found = true
		}
	}
	if !found {
		t.Fatalf("required = %v, want message", schema.Required)
	}
	if schema.AdditionalProperties {
		t.Fatal("additionalProperties should default to false")
	}
}

func TestNewToolZeroArgumentSchema(t *testing.T) {
	tool := NewTool[struct{}]("ping",
		func(ctx context.Context, caller auth.UserInfo, r *ToolRequest[struct{}]) (*mcp.CallToolResult, error) {
			return TextResult("pong"), nil
		},
	)

	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("schema type = %q, want object", schema.Type)
	}
	if len(schema.Properties) != 0 {
		t.Fatalf("properties = %v, want none", schema.Properties)
	}
	if len(schema.Required) != 0 {
		t.Fatalf("required = %v, want none", schema.Required)
	}

	res, err := NewToolsContainer(tool).Call(t.Context(), testCaller{}, &mcp.CallToolRequest{Name: "ping"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.IsError || res.Content[0].Text != "pong" {
		t.Fatalf("result = %+v, want pong", res)
	}
}

func TestToolRejectsUnknownFields(t *testing.T) {
	tc := NewToolsContainer(echoTool())

	res, err := tc.Call(t.Context(), testCaller{}, &mcp.CallToolRequest{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hi","bogus":true}`),
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !res.IsError {
		t.Fatal("want an error result for unknown fields")
	}
	if !strings.Contains(res.Content[0].Text, "invalid arguments") {
		t.Fatalf("error text = %q", res.Content[0].Text)
	}
}

func TestToolAllowsUnknownFieldsWhenConfigured(t *testing.T) {
	tool := NewTool[echoArgs]("echo",
		func(ctx context.Context, caller auth.UserInfo, r *ToolRequest[echoArgs]) (*mcp.CallToolResult, error) {
			return TextResult(r.Args().Message), nil
		},
		WithToolAllowAdditionalProperties(true),
	)
	tc := NewToolsContainer(tool)

	res, err := tc.Call(t.Context(), testCaller{}, &mcp.CallToolRequest{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hi","bogus":true}`),
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if res.Content[0].Text != "hi" {
		t.Fatalf("text = %q, want hi", res.Content[0].Text)
	}
}

func TestCallUnknownTool(t *testing.T) {
	tc := NewToolsContainer(echoTool())

	_, err := tc.Call(t.Context(), testCaller{}, &mcp.CallToolRequest{Name: "nope"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	tc := NewToolsContainer(echoTool())

	if tc.Add(echoTool()) {
		t.Fatal("Add accepted a duplicate tool name")
	}
	if len(tc.Snapshot()) != 1 {
		t.Fatalf("tools = %d, want 1", len(tc.Snapshot()))
	}
}

func TestListToolsPagination(t *testing.T) {
	var defs []StaticTool
	for i := range 5 {
		name := fmt.Sprintf("tool-%d", i)
		defs = append(defs, NewTool[struct{}](name,
			func(ctx context.Context, caller auth.UserInfo, r *ToolRequest[struct{}]) (*mcp.CallToolResult, error) {
				return TextResult("ok"), nil
			}))
	}
	tc := NewToolsContainer(defs...)
	tc.SetPageSize(2)

	var names []string
	cursor := ""
	for {
		page, err := tc.ListTools(t.Context(), cursor)
		if err != nil {
			t.Fatalf("ListTools: %v", err)
		}
		for _, tool := range page.Tools {
			names = append(names, tool.Name)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if len(names) != 5 {
		t.Fatalf("paged names = %v, want all 5 tools", names)
	}
	for i, name := range names {
		if want := fmt.Sprintf("tool-%d", i); name != want {
			t.Fatalf("names[%d] = %q, want %q", i, name, want)
		}
	}
}

func TestGetUnknownPrompt(t *testing.T) {
	pc := NewPromptsContainer()

	_, err := pc.Get(t.Context(), testCaller{}, &mcp.GetPromptRequest{Name: "nope"})
	if !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("err = %v, want ErrPromptNotFound", err)
	}
}

func TestNegotiateProtocolVersion(t *testing.T) {
	cases := []struct {
		requested string
		want      string
	}{
		{"2025-06-18", "2025-06-18"},
		{"2025-03-26", "2025-03-26"},
		{"2024-11-05", "2024-11-05"},
		{"1999-01-01", mcp.LatestProtocolVersion},
		{"", mcp.LatestProtocolVersion},
	}
	for _, tc := range cases {
		if got := NegotiateProtocolVersion(tc.requested); got != tc.want {
			t.Fatalf("NegotiateProtocolVersion(%q) = %q, want %q", tc.requested, got, tc.want)
		}
	}
}
