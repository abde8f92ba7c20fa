package generation

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiConfig selects the backend. With Project set the Vertex AI backend
// is used; otherwise the Gemini API with APIKey.
type GeminiConfig struct {
	APIKey      string
	Project     string
	Location    string
	Model       string
	Temperature float32
}

// contentGenerator is the subset of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini implements ImageModel with google.golang.org/genai.
type Gemini struct {
	models      contentGenerator
	model       string
	temperature float32
}

var _ ImageModel = (*Gemini)(nil)

// NewGemini creates the genai client for cfg.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Project != "" {
		cc = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGemini(client.Models, cfg), nil
}

func newGemini(models contentGenerator, cfg GeminiConfig) *Gemini {
	return &Gemini{models: models, model: cfg.Model, temperature: cfg.Temperature}
}

// Generate sends the prompt and source image and returns the first inline
// image of the response.
func (g *Gemini) Generate(ctx context.Context, src Image, prompt string) (Image, error) {
	content := &genai.Content{
		Role: "user",
		Parts: []*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(src.Data, src.MIMEType),
		},
	}

	var config *genai.GenerateContentConfig
	if g.temperature > 0 {
		temp := g.temperature
		config = &genai.GenerateContentConfig{Temperature: &temp}
	}

	result, err := g.models.GenerateContent(ctx, g.model, []*genai.Content{content}, config)
	if err != nil {
		return Image{}, fmt.Errorf("gemini call failed: %w", err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return Image{}, ErrEmptyResponse
	}

	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return Image{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, nil
			}
		}
	}
	return Image{}, ErrEmptyResponse
}
