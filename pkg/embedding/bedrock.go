package embedding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockProvider generates embeddings through Amazon Bedrock. Titan and
// Cohere embedding models are supported; they use different request shapes.
type BedrockProvider struct {
	client     *bedrockruntime.Client
	model      string
	region     string
	dimensions int
}

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type cohereEmbedRequest struct {
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type,omitempty"`
}

type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewBedrockProvider creates a Bedrock-backed provider. Credentials come from
// the default AWS chain. Default model: titan-embed-text-v2 at 1024
// dimensions.
func NewBedrockProvider(ctx context.Context, cfg Config) (*BedrockProvider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock provider: region is required")
	}
	if cfg.Model == "" {
		cfg.Model = "titan-embed-text-v2"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1024
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("bedrock provider: load aws config: %w", err)
	}

	return &BedrockProvider{
		client:     bedrockruntime.NewFromConfig(awsCfg),
		model:      cfg.Model,
		region:     cfg.Region,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed invokes the configured Bedrock embedding model.
func (p *BedrockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	var (
		modelID string
		body    []byte
		err     error
	)
	switch p.model {
	case "titan-embed-text-v2":
		modelID = "amazon.titan-embed-text-v2:0"
		body, err = json.Marshal(titanEmbedRequest{InputText: text})
	case "embed-english-v3", "embed-multilingual-v3":
		modelID = "cohere." + p.model
		body, err = json.Marshal(cohereEmbedRequest{Texts: []string{text}, InputType: "search_query"})
	default:
		return nil, fmt.Errorf("bedrock provider: unsupported model %q", p.model)
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock provider: marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	if p.model == "titan-embed-text-v2" {
		var resp titanEmbedResponse
		if err := json.Unmarshal(output.Body, &resp); err != nil {
			return nil, fmt.Errorf("bedrock provider: parse titan response: %w", err)
		}
		return resp.Embedding, nil
	}

	var resp cohereEmbedResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("bedrock provider: parse cohere response: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings in response", ErrProviderFailure)
	}
	return resp.Embeddings[0], nil
}

// Dimensions reports the configured vector width.
func (p *BedrockProvider) Dimensions() int { return p.dimensions }

// Name implements Provider.
func (p *BedrockProvider) Name() string { return "bedrock:" + p.model }
