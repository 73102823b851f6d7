package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dmarins/snapseek/describer"
	"github.com/dmarins/snapseek/internal/domain"
	"github.com/dmarins/snapseek/internal/ratelimit"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	embeddingModel = "text-embedding-3-small"
	visionModel    = oagc.ChatModelGPT4oMini

	describePrompt = "Describe this image in detail, including objects, actions, setting, colors and atmosphere. Be specific and descriptive."

	// Upper bound on description length, keeps per-image cost predictable.
	describeMaxTokens = 300
)

type openai struct {
	oac   *oagc.Client
	model string
}

var (
	_ describer.Describer = &openai{}

	rl *ratelimit.Limiter // For requests to the OpenAI API

	// This map has dual purposes, first is to define which models are used
	// and two the size of the embedding vectors we wish
	modelDimensions = map[string]int{
		"text-embedding-3-small": 512,
	}
)

func Init(apiKey string, httpClient *http.Client) *openai {
	if _, ok := modelDimensions[embeddingModel]; !ok {
		panic("Unrecognized model")
	}

	rl = ratelimit.New(20, time.Minute)

	return &openai{
		oac: oagc.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(httpClient),
		),
		model: embeddingModel,
	}
}

func (o *openai) Name() string { return "openai" }

func (o *openai) Model() string { return o.model }

func (o *openai) DescribeImage(ctx context.Context, image []byte) (string, error) {
	if err := rl.Acquire(ctx); err != nil {
		return "", err
	}

	imb64 := base64.StdEncoding.EncodeToString(image)
	resp, err := o.oac.Chat.Completions.New(ctx, oagc.ChatCompletionNewParams{
		Messages: oagc.F([]oagc.ChatCompletionMessageParamUnion{
			oagc.UserMessageParts(
				oagc.TextPart(describePrompt),
				oagc.ImagePart("data:image/jpeg;base64,"+imb64),
			),
		}),
		Model:     oagc.F(visionModel),
		MaxTokens: oagc.Int(describeMaxTokens),
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response: %w", domain.ErrExternalService)
	}

	return resp.Choices[0].Message.Content, nil
}

func (o *openai) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.oac.Models.List(ctx)
	return err == nil
}

func (o *openai) Embeddings(ctx context.Context, text string) ([]float32, error) {
	// Rate limit use of the OpenAI API
	if err := rl.Acquire(ctx); err != nil {
		return nil, err
	}

	enp := oagc.EmbeddingNewParams{
		Input:      oagc.F(oagc.EmbeddingNewParamsInputUnion(oagc.EmbeddingNewParamsInputArrayOfStrings{text})),
		Model:      oagc.F(oagc.EmbeddingModel(o.model)),
		Dimensions: oagc.Int(int64(modelDimensions[o.model])),
	}
	resp, err := o.oac.Embeddings.New(ctx, enp)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response: %w", domain.ErrExternalService)
	}
	if resp.Data[0].Object != oagc.EmbeddingObjectEmbedding {
		return nil, fmt.Errorf("unexpected object type %q: %w", resp.Data[0].Object, domain.ErrExternalService)
	}

	// Convert the float64 embedding vector to float32
	embs := make([]float32, len(resp.Data[0].Embedding))
	for i, em := range resp.Data[0].Embedding {
		embs[i] = float32(em)
	}

	return embs, nil
}

// classify maps an openai-go error onto one of the shared error kinds so
// that callers can distinguish bad credentials and quota exhaustion from
// transient failures.
func classify(err error) error {
	var apierr *oagc.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("openai: %s: %w", apierr.Message, domain.ErrAuth)
		case http.StatusTooManyRequests:
			return fmt.Errorf("openai: %s: %w", apierr.Message, domain.ErrRateLimited)
		}
	}

	return fmt.Errorf("openai: %v: %w", err, domain.ErrExternalService)
}
