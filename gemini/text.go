package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const textModel = "models/gemini-2.5-flash"

// Turn is one prior exchange passed as context with a text request.
type Turn struct {
	Role string // "user" or "model"
	Text string
}

// GenerateReply runs a single synchronous text turn. The full history
// travels with every call; the service retains nothing between turns.
func GenerateReply(ctx context.Context, apiKey, systemPrompt, message string, history []Turn) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create GenAI client: %w", err)
	}

	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		role := genai.RoleUser
		if turn.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: turn.Text}},
		})
	}
	contents = append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: message}},
	})

	resp, err := client.Models.GenerateContent(ctx, textModel, contents, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		},
	})
	if err != nil {
		return "", err
	}

	reply := resp.Text()
	if reply == "" {
		return "", fmt.Errorf("model returned no text")
	}
	return reply, nil
}
