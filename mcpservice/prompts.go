package mcpservice

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/engagekit/mcp-server/auth"
	"github.com/engagekit/mcp-server/mcp"
)

// ErrPromptNotFound is returned by Get when no prompt matches the request name.
var ErrPromptNotFound = fmt.Errorf("prompt not found")

// PromptHandler handles a prompt get request to produce messages.
type PromptHandler func(ctx context.Context, caller auth.UserInfo, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error)

// StaticPrompt pairs a prompt descriptor with a handler that can materialize it.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

// PromptsContainer owns a mutable, threadsafe set of prompt descriptors and handlers.
type PromptsContainer struct {
	mu       sync.RWMutex
	prompts  []mcp.Prompt
	handlers map[string]PromptHandler // name -> handler

	pageSize int
}

// NewPromptsContainer constructs a container with the given definitions.
func NewPromptsContainer(defs ...StaticPrompt) *PromptsContainer {
	pc := &PromptsContainer{pageSize: 50}
	pc.Replace(defs...)
	return pc
}

// Snapshot returns a copy of the current prompt descriptors.
func (pc *PromptsContainer) Snapshot() []mcp.Prompt {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	out := make([]mcp.Prompt, len(pc.prompts))
	copy(out, pc.prompts)
	return out
}

// Replace atomically replaces the entire prompt set.
func (pc *PromptsContainer) Replace(defs ...StaticPrompt) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.prompts = make([]mcp.Prompt, 0, len(defs))
	pc.handlers = make(map[string]PromptHandler, len(defs))
	for _, d := range defs {
		pc.prompts = append(pc.prompts, d.Descriptor)
		if d.Handler != nil {
			pc.handlers[d.Descriptor.Name] = d.Handler
		}
	}
}

// ListPrompts returns one page of prompt descriptors.
func (pc *PromptsContainer) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	pc.mu.RLock()
	all := make([]mcp.Prompt, len(pc.prompts))
	copy(all, pc.prompts)
	pageSize := pc.pageSize
	pc.mu.RUnlock()

	start := parseCursor(cursor)
	if start < 0 || start > len(all) {
		start = 0
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	res := &mcp.ListPromptsResult{Prompts: all[start:end]}
	if end < len(all) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res, nil
}

// Get dispatches a request to the named prompt if present.
func (pc *PromptsContainer) Get(ctx context.Context, caller auth.UserInfo, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid prompt request: missing name")
	}
	pc.mu.RLock()
	h := pc.handlers[req.Name]
	pc.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, req.Name)
	}
	return h(ctx, caller, req)
}
