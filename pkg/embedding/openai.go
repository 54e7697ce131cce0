package embedding

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Known embedding model dimensionalities. Unknown models fall back to
// DefaultDimensions.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// DefaultDimensions is assumed for models not in the dimension table.
const DefaultDimensions = 1536

// OpenAIProvider implements Provider on the OpenAI embeddings API. It also
// works against OpenAI-compatible servers via WithBaseURL.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	model         string
	baseURL       string
	clientOptions []option.RequestOption
}

// WithModel sets the embedding model. Default: text-embedding-3-small.
func WithModel(model string) OpenAIOption {
	return func(c *openAIConfig) {
		c.model = model
	}
}

// WithBaseURL points the provider at an OpenAI-compatible API.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(c *openAIConfig) {
		c.baseURL = baseURL
	}
}

// WithRequestOption forwards an arbitrary openai-go request option, for
// hosts that need custom headers, retries, or an instrumented HTTP client.
func WithRequestOption(opt option.RequestOption) OpenAIOption {
	return func(c *openAIConfig) {
		c.clientOptions = append(c.clientOptions, opt)
	}
}

// NewOpenAIProvider creates an OpenAI-backed embedding provider.
//
// If apiKey is empty, the OPENAI_API_KEY environment variable is used. If
// no base URL is configured, OPENAI_BASE_URL is consulted before falling
// back to the public API.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (provide via parameter or OPENAI_API_KEY environment variable)")
	}

	cfg := &openAIConfig{model: "text-embedding-3-small"}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.baseURL == "" {
		cfg.baseURL = os.Getenv("OPENAI_BASE_URL")
	}

	clientOptions := append([]option.RequestOption{option.WithAPIKey(apiKey)}, cfg.clientOptions...)
	if cfg.baseURL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIProvider{
		client: openai.NewClient(clientOptions...),
		model:  cfg.model,
	}, nil
}

// EmbedBatch generates one embedding per input text.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response count mismatch: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float64, len(resp.Data))
	for _, item := range resp.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(vectors) {
			return nil, fmt.Errorf("embedding response index out of range: %d", idx)
		}
		vectors[idx] = item.Embedding
	}
	return vectors, nil
}

// Dimensions returns the dimensionality of the configured model.
func (p *OpenAIProvider) Dimensions() int {
	if d, ok := modelDimensions[p.model]; ok {
		return d
	}
	return DefaultDimensions
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai/" + p.model
}
