package engage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/engagekit/mcp-server/auth"
	"github.com/engagekit/mcp-server/mcp"
	"github.com/engagekit/mcp-server/mcpservice"
	"github.com/engagekit/mcp-server/store"
)

// ErrInvalidConnectionToken indicates the caller's identity does not encode
// an organization/member pair.
var ErrInvalidConnectionToken = errors.New("invalid connection token format")

const personaPostLimit = 25

// noArgs is the input type for tools that take no arguments.
type noArgs struct{}

// Service builds the engage tool and prompt sets over a PostSource. Ledger
// writes are best-effort: a ledger outage never fails a tool call.
type Service struct {
	posts  store.PostSource
	ledger store.ActivityLedger
	log    *slog.Logger
}

func NewService(posts store.PostSource, ledger store.ActivityLedger, log *slog.Logger) *Service {
	return &Service{posts: posts, ledger: ledger, log: log}
}

// PersonaContext fetches the member's strongest posts and synthesizes the
// writing-style prompt from them.
func (s *Service) PersonaContext(ctx context.Context, organizationID, memberID string) (string, error) {
	posts, err := s.posts.HighEngagementPosts(ctx, organizationID, memberID, personaPostLimit)
	if err != nil {
		return "", fmt.Errorf("loading post history: %w", err)
	}
	if len(posts) == 0 {
		return "No LinkedIn post history found for this profile. Please ensure posts are synced before using the persona feature.", nil
	}
	st := CalculateStats(posts)
	return personaSystemPrompt(st, formatPostsForPersona(posts)), nil
}

// EngagementInsights summarizes the member's engagement history.
func (s *Service) EngagementInsights(ctx context.Context, organizationID, memberID string) (string, error) {
	posts, err := s.posts.PostsByMember(ctx, organizationID, memberID)
	if err != nil {
		return "", fmt.Errorf("loading posts: %w", err)
	}
	if len(posts) == 0 {
		return "No data found.", nil
	}
	st := CalculateStats(posts)
	topMedia := "Text"
	if top := TopPosts(posts, 1); len(top) > 0 && top[0].MediaType != "" && top[0].MediaType != "none" {
		topMedia = top[0].MediaType
	}
	return strings.TrimSpace(fmt.Sprintf(`
Engagement Insights:
- Total Impressions: %d
- Avg Likes per Post: %.1f
- Top Media Type: %s
`, st.TotalImpressions, float64(st.TotalLikes)/float64(len(posts)), topMedia)), nil
}

// Tools returns the engage tool set for registration with a tools container.
func (s *Service) Tools() []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		mcpservice.NewTool[noArgs]("get_my_persona",
			func(ctx context.Context, caller auth.UserInfo, r *mcpservice.ToolRequest[noArgs]) (*mcp.CallToolResult, error) {
				orgID, memberID, err := s.resolveMember(caller)
				if err != nil {
					return mcpservice.Errorf("Connection token not found. Please sync your LinkedIn account or set MCP_CONNECTION_TOKEN."), nil
				}
				s.logActivity(ctx, orgID, "mcp.tool.get_my_persona", map[string]any{"member_id": memberID})
				persona, err := s.PersonaContext(ctx, orgID, memberID)
				if err != nil {
					s.log.ErrorContext(ctx, "engage.persona.fail", slog.String("err", err.Error()))
					return mcpservice.Errorf("Error: failed to build persona context"), nil
				}
				return mcpservice.TextResult(persona), nil
			},
			mcpservice.WithToolDescription("Fetches your LinkedIn post history and analysis to help the assistant write in your specific style."),
		),
		mcpservice.NewTool[noArgs]("get_engagement_insights",
			func(ctx context.Context, caller auth.UserInfo, r *mcpservice.ToolRequest[noArgs]) (*mcp.CallToolResult, error) {
				orgID, memberID, err := s.resolveMember(caller)
				if err != nil {
					return mcpservice.Errorf("No connection token found. Please set MCP_CONNECTION_TOKEN."), nil
				}
				s.logActivity(ctx, orgID, "mcp.tool.get_engagement_insights", map[string]any{"member_id": memberID})
				insights, err := s.EngagementInsights(ctx, orgID, memberID)
				if err != nil {
					s.log.ErrorContext(ctx, "engage.insights.fail", slog.String("err", err.Error()))
					return mcpservice.Errorf("Error: failed to compute insights"), nil
				}
				return mcpservice.TextResult(insights), nil
			},
			mcpservice.WithToolDescription("Provides high-level statistics and insights about your LinkedIn engagement history."),
		),
	}
}

// Prompts returns the engage prompt set.
func (s *Service) Prompts() []mcpservice.StaticPrompt {
	return []mcpservice.StaticPrompt{
		{
			Descriptor: mcp.Prompt{
				Name:        "draft-linkedin-post",
				Description: "Draft a LinkedIn post in the caller's writing style.",
				Arguments: []mcp.PromptArgument{
					{Name: "topic", Description: "The specific topic or news you want to post about", Required: true},
				},
			},
			Handler: func(ctx context.Context, caller auth.UserInfo, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
				topic := req.Arguments["topic"]
				if topic == "" {
					return nil, fmt.Errorf("missing required argument: topic")
				}
				return &mcp.GetPromptResult{
					Messages: []mcp.PromptMessage{
						{
							Role: mcp.RoleUser,
							Content: mcp.TextContent(fmt.Sprintf(
								"Please draft a LinkedIn post about %q. Use my writing style found in my persona resource.", topic)),
						},
					},
				}, nil
			},
		},
	}
}

// resolveMember extracts the organization and member identifiers from the
// caller. Connection tokens encode both as "<orgID>-<memberID>".
func (s *Service) resolveMember(caller auth.UserInfo) (orgID, memberID string, err error) {
	var claims auth.TokenClaims
	if err := caller.Claims(&claims); err != nil {
		return "", "", err
	}
	tok := claims.Subject
	if tok == "" {
		tok = caller.UserID()
	}
	parts := strings.Split(tok, "-")
	if len(parts) < 2 {
		return "", "", ErrInvalidConnectionToken
	}
	return parts[0], parts[1], nil
}

func (s *Service) logActivity(ctx context.Context, organizationID, action string, metadata map[string]any) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.LogActivity(ctx, organizationID, action, metadata); err != nil {
		s.log.WarnContext(ctx, "engage.ledger.log_fail",
			slog.String("action", action),
			slog.String("err", err.Error()),
		)
	}
}
