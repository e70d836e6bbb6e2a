package personality

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultFlavorModel = "gemini-2.0-flash"

var errEmptyFlavor = errors.New("empty flavor response")

// GenAIFlavor asks a Gemini model for an in-character remark.
type GenAIFlavor struct {
	client *genai.Client
	model  string
}

func NewGenAIFlavor(ctx context.Context, apiKey, model string) (*GenAIFlavor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = defaultFlavorModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIFlavor{client: client, model: model}, nil
}

func (g *GenAIFlavor) Flavor(ctx context.Context, req FlavorRequest) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(flavorPrompt(req), genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate flavor: %w", err)
	}

	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil {
				b.WriteString(part.Text)
			}
		}
		break
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errEmptyFlavor
	}
	return text, nil
}

func flavorPrompt(req FlavorRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a chess opponent. %s\n", req.Personality.Name, req.Personality.Description)
	fmt.Fprintf(&b, "The game is in the %s phase.\n", req.Phase)
	if n := len(req.History); n > 0 {
		recent := req.History[max(0, n-10):]
		b.WriteString("Recent moves:")
		for _, m := range recent {
			fmt.Fprintf(&b, " %d.%s", m.Ply, m.SAN)
		}
		b.WriteString("\n")
	}
	b.WriteString("Reply with one short sentence in character, no move suggestions.")
	return b.String()
}
