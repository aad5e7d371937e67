// Package engage implements the LinkedIn engagement capabilities exposed over
// MCP: persona synthesis from a member's post history, engagement statistics,
// and the drafting prompt. All analytics run over the PostSource reads; no
// state is kept here.
package engage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/engagekit/mcp-server/store"
)

// Stats aggregates engagement counters across a set of posts.
type Stats struct {
	TotalImpressions int64
	TotalLikes       int64
	TotalComments    int64
	TotalShares      int64
}

// CalculateStats sums the engagement counters over posts.
func CalculateStats(posts []store.Post) Stats {
	var st Stats
	for _, p := range posts {
		st.TotalImpressions += p.Impressions
		st.TotalLikes += p.Likes
		st.TotalComments += p.Comments
		st.TotalShares += p.Shares
	}
	return st
}

// TopPosts returns up to limit posts ordered by impressions, strongest first.
// The input slice is not mutated.
func TopPosts(posts []store.Post, limit int) []store.Post {
	out := make([]store.Post, len(posts))
	copy(out, posts)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Impressions > out[j].Impressions
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// formatPostsForPersona renders each post as a writing sample annotated with
// its media type and engagement counters.
func formatPostsForPersona(posts []store.Post) string {
	if len(posts) == 0 {
		return "No posts available for analysis."
	}
	var b strings.Builder
	for i, p := range posts {
		content := p.Content
		if content == "" {
			content = "No text content"
		}
		mediaTag := "[Text Only]"
		if p.MediaType != "" && p.MediaType != "none" {
			mediaTag = fmt.Sprintf("[Media: %s]", p.MediaType)
		}
		fmt.Fprintf(&b, "--- POST %d %s [Stats: %d Likes, %d Comments, %d Shares] ---\n%s\n\n",
			i+1, mediaTag, p.Likes, p.Comments, p.Shares, strings.TrimSpace(content))
	}
	return strings.TrimRight(b.String(), "\n")
}

// personaSystemPrompt assembles the writing-style analysis prompt from
// aggregate stats and formatted samples.
func personaSystemPrompt(st Stats, formattedPosts string) string {
	return strings.TrimSpace(fmt.Sprintf(`
USER CONTENT DNA:
Total Historical Impressions: %d
Total Historical Engagement: %d interactions.

CORE WRITING SAMPLES:
%s

AI INSTRUCTIONS:
1. Identify the user's "Hook" style (e.g., question, bold statement, or storytelling).
2. Note sentence length and paragraph spacing (e.g., punchy one-liners vs. detailed blocks).
3. Observe emoji density and placement.
4. Detect recurring themes or professional keywords.
5. Create new content that is indistinguishable from the samples provided above.
`, st.TotalImpressions, st.TotalLikes+st.TotalComments, formattedPosts))
}
