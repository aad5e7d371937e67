package engage

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/engagekit/mcp-server/auth"
	"github.com/engagekit/mcp-server/mcp"
	"github.com/engagekit/mcp-server/mcpservice"
	"github.com/engagekit/mcp-server/store"
	"github.com/engagekit/mcp-server/store/memorystore"
)

// memberInfo is a test caller whose subject claim carries a connection token.
type memberInfo struct {
	subject string
}

func (m memberInfo) UserID() string { return m.subject }

func (m memberInfo) Claims(ref any) error {
	b, err := json.Marshal(auth.TokenClaims{Subject: m.subject})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

func testService(t *testing.T) (*Service, *memorystore.Store) {
	t.Helper()
	mem := memorystore.New()
	return NewService(mem, mem, slog.New(slog.DiscardHandler)), mem
}

func seedPosts(mem *memorystore.Store) {
	mem.AddPost(store.Post{
		OrganizationID: "org1", MemberID: "member1",
		Content: "Shipping is a feature.", MediaType: "TEXT",
		Impressions: 1000, Likes: 50, Comments: 10, Shares: 5,
	})
	mem.AddPost(store.Post{
		OrganizationID: "org1", MemberID: "member1",
		Content: "Video walkthrough of our release.", MediaType: "VIDEO",
		Impressions: 4000, Likes: 200, Comments: 40, Shares: 20,
	})
}

func TestCalculateStats(t *testing.T) {
	st := CalculateStats([]store.Post{
		{Impressions: 100, Likes: 10, Comments: 5, Shares: 1},
		{Impressions: 200, Likes: 20, Comments: 10, Shares: 2},
	})
	want := Stats{TotalImpressions: 300, TotalLikes: 30, TotalComments: 15, TotalShares: 3}
	if st != want {
		t.Fatalf("stats = %+v, want %+v", st, want)
	}
}

func TestTopPostsDoesNotMutateInput(t *testing.T) {
	posts := []store.Post{
		{ID: "a", Impressions: 10},
		{ID: "b", Impressions: 100},
		{ID: "c", Impressions: 50},
	}
	top := TopPosts(posts, 2)

	if len(top) != 2 || top[0].ID != "b" || top[1].ID != "c" {
		t.Fatalf("top = %v, want [b c]", top)
	}
	if posts[0].ID != "a" {
		t.Fatal("input slice was reordered")
	}
}

func TestFormatPostsForPersona(t *testing.T) {
	out := formatPostsForPersona([]store.Post{
		{Content: "Hello world", MediaType: "IMAGE", Likes: 3, Comments: 1, Shares: 2},
		{MediaType: "none"},
	})

	if !strings.Contains(out, "--- POST 1 [Media: IMAGE] [Stats: 3 Likes, 1 Comments, 2 Shares] ---") {
		t.Fatalf("missing media post header in %q", out)
	}
	if !strings.Contains(out, "--- POST 2 [Text Only]") {
		t.Fatalf("missing text-only header in %q", out)
	}
	if !strings.Contains(out, "No text content") {
		t.Fatalf("missing empty-content placeholder in %q", out)
	}
}

func TestFormatPostsForPersonaEmpty(t *testing.T) {
	if got := formatPostsForPersona(nil); got != "No posts available for analysis." {
		t.Fatalf("got %q", got)
	}
}

func TestPersonaContextNoHistory(t *testing.T) {
	svc, _ := testService(t)

	got, err := svc.PersonaContext(t.Context(), "org1", "member1")
	if err != nil {
		t.Fatalf("PersonaContext: %v", err)
	}
	if !strings.Contains(got, "No LinkedIn post history found") {
		t.Fatalf("got %q, want the no-history message", got)
	}
}

func TestPersonaContextIncludesSamplesAndStats(t *testing.T) {
	svc, mem := testService(t)
	seedPosts(mem)

	got, err := svc.PersonaContext(t.Context(), "org1", "member1")
	if err != nil {
		t.Fatalf("PersonaContext: %v", err)
	}
	if !strings.Contains(got, "USER CONTENT DNA:") {
		t.Fatalf("missing persona preamble in %q", got)
	}
	if !strings.Contains(got, "Total Historical Impressions: 5000") {
		t.Fatalf("missing impressions total in %q", got)
	}
	if !strings.Contains(got, "Shipping is a feature.") || !strings.Contains(got, "Video walkthrough of our release.") {
		t.Fatalf("missing writing samples in %q", got)
	}
}

func TestEngagementInsights(t *testing.T) {
	svc, mem := testService(t)
	seedPosts(mem)

	got, err := svc.EngagementInsights(t.Context(), "org1", "member1")
	if err != nil {
		t.Fatalf("EngagementInsights: %v", err)
	}
	if !strings.Contains(got, "Total Impressions: 5000") {
		t.Fatalf("missing impressions in %q", got)
	}
	if !strings.Contains(got, "Avg Likes per Post: 125.0") {
		t.Fatalf("missing avg likes in %q", got)
	}
	if !strings.Contains(got, "Top Media Type: VIDEO") {
		t.Fatalf("missing top media type in %q", got)
	}
}

func TestEngagementInsightsNoData(t *testing.T) {
	svc, _ := testService(t)

	got, err := svc.EngagementInsights(t.Context(), "org1", "member1")
	if err != nil {
		t.Fatalf("EngagementInsights: %v", err)
	}
	if got != "No data found." {
		t.Fatalf("got %q, want No data found.", got)
	}
}

func TestPersonaToolResolvesMemberAndLogs(t *testing.T) {
	svc, mem := testService(t)
	seedPosts(mem)

	tools := svc.Tools()
	var persona *mcpservice.StaticTool
	for i := range tools {
		if tools[i].Descriptor.Name == "get_my_persona" {
			persona = &tools[i]
		}
	}
	if persona == nil {
		t.Fatal("get_my_persona tool not registered")
	}

	res, err := persona.Handler(t.Context(), memberInfo{subject: "org1-member1"}, &mcp.CallToolRequest{Name: "get_my_persona"})
	if err != nil {
		t.Fatalf("tool call: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if !strings.Contains(res.Content[0].Text, "USER CONTENT DNA:") {
		t.Fatalf("result = %q, want persona text", res.Content[0].Text)
	}

	acts := mem.Activities()
	if len(acts) != 1 || acts[0].Action != "mcp.tool.get_my_persona" {
		t.Fatalf("activities = %+v, want one persona entry", acts)
	}
}

func TestPersonaToolInvalidToken(t *testing.T) {
	svc, _ := testService(t)

	tools := svc.Tools()
	res, err := tools[0].Handler(t.Context(), memberInfo{subject: "plaintoken"}, &mcp.CallToolRequest{Name: "get_my_persona"})
	if err != nil {
		t.Fatalf("tool call: %v", err)
	}
	if !res.IsError {
		t.Fatal("want an error result for a token without an org/member pair")
	}
}

func TestResolveMember(t *testing.T) {
	svc, _ := testService(t)

	orgID, memberID, err := svc.resolveMember(memberInfo{subject: "org1-member1"})
	if err != nil {
		t.Fatalf("resolveMember: %v", err)
	}
	if orgID != "org1" || memberID != "member1" {
		t.Fatalf("resolved (%q, %q), want (org1, member1)", orgID, memberID)
	}

	if _, _, err := svc.resolveMember(memberInfo{subject: "nodash"}); !errors.Is(err, ErrInvalidConnectionToken) {
		t.Fatalf("err = %v, want ErrInvalidConnectionToken", err)
	}
}

func TestDraftPromptRequiresTopic(t *testing.T) {
	svc, _ := testService(t)
	prompt := svc.Prompts()[0]

	if prompt.Descriptor.Name != "draft-linkedin-post" {
		t.Fatalf("prompt name = %q", prompt.Descriptor.Name)
	}

	if _, err := prompt.Handler(t.Context(), memberInfo{subject: "org1-member1"}, &mcp.GetPromptRequest{
		Name: "draft-linkedin-post",
	}); err == nil {
		t.Fatal("want an error when topic is missing")
	}

	res, err := prompt.Handler(t.Context(), memberInfo{subject: "org1-member1"}, &mcp.GetPromptRequest{
		Name:      "draft-linkedin-post",
		Arguments: map[string]string{"topic": "Go generics"},
	})
	if err != nil {
		t.Fatalf("prompt get: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].Role != mcp.RoleUser {
		t.Fatalf("messages = %+v, want one user message", res.Messages)
	}
	if !strings.Contains(res.Messages[0].Content.Text, `"Go generics"`) {
		t.Fatalf("message = %q, want the topic quoted", res.Messages[0].Content.Text)
	}
}
