package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	adkmemory "google.golang.org/adk/memory"
	"google.golang.org/adk/session"
	"google.golang.org/genai"
)

// ADKService adapts a Manager to the ADK memory.Service interface for one
// family, so an ADK agent reads and writes the same tiers as the
// orchestrator.
type ADKService struct {
	manager  *Manager
	familyID string
}

// NewADKService binds manager to familyID.
func NewADKService(manager *Manager, familyID string) *ADKService {
	return &ADKService{manager: manager, familyID: familyID}
}

// AddSession records the last user message and agent reply of a session,
// together with the tools the agent called.
func (s *ADKService) AddSession(ctx context.Context, sess session.Session) error {
	if s.familyID == "" {
		return fmt.Errorf("memory service has no family")
	}

	var (
		userQuery     string
		agentResponse string
		toolsUsed     []string
		seen          = make(map[string]bool)
	)

	for event := range sess.Events().All() {
		if event.Content == nil {
			continue
		}
		text := strings.Join(extractTextFromContent([]*genai.Content{event.Content}), " ")
		if event.Author == "user" {
			if text != "" {
				userQuery = text
			}
			continue
		}
		if text != "" {
			agentResponse = text
		}
		for _, part := range event.Content.Parts {
			if part.FunctionCall != nil && !seen[part.FunctionCall.Name] {
				seen[part.FunctionCall.Name] = true
				toolsUsed = append(toolsUsed, part.FunctionCall.Name)
			}
		}
	}

	if userQuery == "" || agentResponse == "" {
		return nil
	}

	s.manager.Record(ctx, Interaction{
		FamilyID:  s.familyID,
		UserID:    sess.UserID(),
		Message:   userQuery,
		Response:  agentResponse,
		ToolsUsed: toolsUsed,
	})
	return nil
}

// Search recalls the family's memory for the query and returns semantic hits
// followed by recent episodes.
func (s *ADKService) Search(ctx context.Context, req *adkmemory.SearchRequest) (*adkmemory.SearchResponse, error) {
	recalled := s.manager.Recall(ctx, s.familyID, req.Query)

	memories := make([]adkmemory.Entry, 0, len(recalled.Semantic)+len(recalled.Episodic))
	for _, hit := range recalled.Semantic {
		if hit.Content == "" {
			continue
		}
		var ts time.Time
		if raw, ok := hit.Metadata["timestamp"].(string); ok {
			ts, _ = time.Parse(time.RFC3339, raw)
		}
		memories = append(memories, entry(hit.Content, "memory", ts))
	}
	for _, ep := range recalled.Episodic {
		if ep.Message == "" {
			continue
		}
		content := "User: " + ep.Message
		if ep.Response != "" {
			content += "\nAgent: " + ep.Response
		}
		memories = append(memories, entry(content, ep.UserID, ep.Timestamp))
	}

	return &adkmemory.SearchResponse{Memories: memories}, nil
}

func entry(text, author string, ts time.Time) adkmemory.Entry {
	return adkmemory.Entry{
		Content:   genai.Text(text)[0],
		Author:    author,
		Timestamp: ts,
	}
}

// extractTextFromContent extracts text from genai.Content parts
func extractTextFromContent(content []*genai.Content) []string {
	var texts []string
	for _, c := range content {
		for _, part := range c.Parts {
			if text := part.Text; text != "" {
				texts = append(texts, text)
			}
		}
	}
	return texts
}

var _ adkmemory.Service = (*ADKService)(nil)
