package moderation

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	defaultClassifierModel = "gemini-1.5-flash"

	classifierPrompt = "You are an image safety reviewer for a dating app. " +
		"Answer with the single word UNSAFE if the image contains nudity, sexual content, " +
		"graphic violence, or gore. Otherwise answer with the single word SAFE."
)

// ImageClassifier decides whether an uploaded image should be flagged.
// Implementations must fail open: moderation is a best-effort safety layer,
// not a correctness boundary.
type ImageClassifier interface {
	ShouldFlag(ctx context.Context, imageBytes []byte) (bool, error)
}

// NullClassifier is the allow-all stub selected when moderation is disabled or
// the classifier credentials are absent.
type NullClassifier struct{}

// ShouldFlag always reports the image as safe.
func (NullClassifier) ShouldFlag(context.Context, []byte) (bool, error) {
	return false, nil
}

// GeminiClassifier asks a Gemini vision model for a SAFE/UNSAFE verdict.
type GeminiClassifier struct {
	client *genai.Client
	model  *genai.GenerativeModel
	logger *zap.Logger
}

// GeminiClassifierConfig configures the real classifier backend.
type GeminiClassifierConfig struct {
	APIKey string
	Model  string
	Logger *zap.Logger
}

// NewGeminiClassifier constructs the Gemini-backed classifier.
func NewGeminiClassifier(ctx context.Context, cfg GeminiClassifierConfig) (*GeminiClassifier, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, err
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultClassifierModel
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GeminiClassifier{client: client, model: model, logger: logger}, nil
}

// Close releases the underlying API client.
func (c *GeminiClassifier) Close() {
	c.client.Close()
}

// ShouldFlag submits the image with the safety prompt. Any transport failure
// or unparsable verdict allows the image through.
func (c *GeminiClassifier) ShouldFlag(ctx context.Context, imageBytes []byte) (bool, error) {
	if len(imageBytes) == 0 {
		return false, nil
	}

	resp, err := c.model.GenerateContent(ctx,
		genai.ImageData("jpeg", imageBytes),
		genai.Text(classifierPrompt),
	)
	if err != nil {
		c.logger.Warn("image classification unavailable, allowing image", zap.Error(err))
		return false, nil
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return false, nil
	}

	var verdict strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			verdict.WriteString(string(text))
		}
	}
	return strings.Contains(strings.ToUpper(verdict.String()), "UNSAFE"), nil
}
