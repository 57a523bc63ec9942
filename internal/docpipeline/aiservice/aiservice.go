// Package aiservice adapts teacher's internal/clients/openai.Client to docpipeline.AIService,
// the synchronous embeddings/vision/chat surface stages use for visual_embedding, metadata
// description, and the structured-output extraction stages.
package aiservice

import (
	"context"
	"fmt"

	"github.com/yungbote/docforge-backend/internal/clients/openai"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// Service wraps an openai.Client, wrapping its errors with %w so the Error Classifier's
// errors.As lookup for httpStatusCoder still finds the underlying *openAIHTTPError's
// HTTPStatusCode method.
type Service struct {
	client openai.Client
	log    *logger.Logger
}

func New(client openai.Client, baseLog *logger.Logger) *Service {
	return &Service{client: client, log: baseLog.With("component", "AIService")}
}

// Embed satisfies docpipeline.AIService directly; embedding inputs and outputs are both batched
// so the caller can embed an entire chunk set in one round trip.
func (s *Service) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("aiservice: client not configured")
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	vectors, err := s.client.Embed(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("aiservice: embed: %w", err)
	}
	return vectors, nil
}

// DescribeImage drives the visual_embedding/visual description stages via the multimodal
// GenerateTextWithImages path; prompt carries the instruction (e.g. "describe this figure for
// retrieval"), imageURL may be an https URL or a data: URI.
func (s *Service) DescribeImage(ctx context.Context, imageURL string, prompt string) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("aiservice: client not configured")
	}
	images := []openai.ImageInput{{ImageURL: imageURL, Detail: "high"}}
	text, err := s.client.GenerateTextWithImages(ctx, "", prompt, images)
	if err != nil {
		return "", fmt.Errorf("aiservice: describe image: %w", err)
	}
	return text, nil
}

// GenerateJSON drives the structured-output stages (classification, metadata_extraction,
// parts_extraction, series_detection) that require a json_schema-constrained response.
func (s *Service) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("aiservice: client not configured")
	}
	result, err := s.client.GenerateJSON(ctx, system, user, schemaName, schema)
	if err != nil {
		return nil, fmt.Errorf("aiservice: generate json: %w", err)
	}
	return result, nil
}
