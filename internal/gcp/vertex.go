package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/models"
)

// --- Classifier Model Prompts ---
const ClassifierSystemPrompt = "You are a document classification tool for a personal credential vault. You look at a photo or scan of a single document and decide what kind of document it is. You must output your response as a single valid JSON object."
const classifierUserPromptTemplate = `Classify the attached document.

Follow these rules precisely:
1.  Choose exactly one label from this list: %s. If none fits, use "other".
2.  Estimate your confidence in the label as a number between 0 and 1.
3.  If the document shows a 12-digit national identity card number (with or without dashes), return it as digits only in "ic". Otherwise omit "ic".
4.  Return up to the first 200 characters of the readable text in "text_snippet".
5.  The output MUST be a single JSON object with the keys "label", "confidence", "ic" and "text_snippet". Do not include any text before or after the JSON object.`

// DefaultClassifierLabels mirrors the categories the vault groups by.
var DefaultClassifierLabels = []string{
	"identification", "education", "financial", "medical", "property", "employment", "other",
}

// VertexClient holds the pre-configured classifier model.
type VertexClient struct {
	ClassifierModel *genai.GenerativeModel
	labels          []string
	baseClient      *genai.Client
}

// NewVertexClient creates a new client holding the classifier model.
func NewVertexClient(ctx context.Context, projectID, region string, labels []string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if len(labels) == 0 {
		labels = DefaultClassifierLabels
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	classifierModel := baseClient.GenerativeModel("gemini-1.5-flash")
	classifierModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ClassifierSystemPrompt)},
	}
	classifierModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		ClassifierModel: classifierModel,
		labels:          labels,
		baseClient:      baseClient,
	}, nil
}

// Classify sends the image bytes inline to Gemini and maps the JSON answer
// onto the same result shape the HTTP classification service returns.
func (c *VertexClient) Classify(ctx context.Context, fileName, contentType string, data []byte) (*models.ClassificationResult, error) {
	prompt := genai.Text(fmt.Sprintf(classifierUserPromptTemplate, strings.Join(c.labels, ", ")))
	filePart := genai.Blob{
		MIMEType: contentType,
		Data:     data,
	}

	resp, err := c.ClassifierModel.GenerateContent(ctx, filePart, prompt)
	if err != nil {
		return nil, &apperr.RemoteError{Service: "vertex-classifier", Err: fmt.Errorf("failed to classify %s: %w", fileName, err)}
	}

	raw := extractJSONContent(resp)
	if raw == "" {
		return nil, &apperr.RemoteError{Service: "vertex-classifier", Err: fmt.Errorf("empty response for %s", fileName)}
	}
	res, err := parseClassification(raw)
	if err != nil {
		return nil, &apperr.RemoteError{Service: "vertex-classifier", Err: err}
	}
	return res, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// extractJSONContent gets the raw text content from the model response.
func extractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	if txt, ok := resp.Candidates[0].Content.Parts[0].(genai.Text); ok {
		return trimJSONFence(string(txt))
	}
	return ""
}

func trimJSONFence(s string) string {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	return strings.TrimSpace(clean)
}

func parseClassification(raw string) (*models.ClassificationResult, error) {
	var res models.ClassificationResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("failed to parse classification JSON: %w", err)
	}
	res.Label = strings.TrimSpace(res.Label)
	if len(res.TextSnippet) > 200 {
		res.TextSnippet = res.TextSnippet[:200]
	}
	return &res, nil
}
