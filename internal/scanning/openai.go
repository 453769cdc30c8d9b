package scanning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultOpenAIBaseURL is the public OpenAI API root, including the version segment
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI implements the Scanner interface against an OpenAI-compatible chat completions API
type OpenAI struct {
	baseURL string
	model   string
	client  openai.Client
}

// NewOpenAI creates a new OpenAI Scanner instance
func NewOpenAI(baseURL, apiKey, modelName string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if modelName == "" {
		modelName = "gpt-4o"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	client := openai.NewClient(
		option.WithBaseURL(baseURL+"/"),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(60*time.Second),
	)

	return &OpenAI{
		baseURL: baseURL,
		model:   modelName,
		client:  client,
	}, nil
}

// ScanMeter asks the chat completions model to read the meter digits
func (o *OpenAI) ScanMeter(ctx context.Context, imageData []byte, mediaType string, utility Utility, digits int) (string, error) {
	system, user := utility.Instructions(digits)
	dataURL := fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(imageData))

	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(user),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    dataURL,
					Detail: "high",
				}),
			}),
		},
		MaxTokens:   openai.Int(300),
		Temperature: openai.Float(0),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai API error (status %d): %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("calling openai API: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices in openai response")
	}

	return completion.Choices[0].Message.Content, nil
}

// Close is a no-op for the HTTP client
func (o *OpenAI) Close() error {
	return nil
}
