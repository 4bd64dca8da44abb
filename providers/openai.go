package providers

import (
	"context"

	"github.com/agentbill/agentbill-go/instrument"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI interception paths.
const (
	PathChatCompletions     = "chat.completions.create"
	PathEmbeddings          = "embeddings.create"
	PathImagesGenerate      = "images.generate"
	PathAudioTranscriptions = "audio.transcriptions.create"
	PathAudioSpeech         = "audio.speech.create"
	PathModerations         = "moderations.create"
)

const openAIProvider = "openai"

// OpenAITable declares the OpenAI methods that are instrumented.
var OpenAITable = instrument.NewTable(openAIProvider,
	instrument.Endpoint{Path: PathChatCompletions, Usage: instrument.UsagePromptCompletion},
	instrument.Endpoint{Path: PathEmbeddings, Usage: instrument.UsagePromptCompletion},
	instrument.Endpoint{Path: PathImagesGenerate},
	instrument.Endpoint{Path: PathAudioTranscriptions},
	instrument.Endpoint{Path: PathAudioSpeech},
	instrument.Endpoint{Path: PathModerations},
)

// OpenAIAPI is the subset of *openai.Client that OpenAIClient instruments.
type OpenAIAPI interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
	CreateSpeech(ctx context.Context, request openai.CreateSpeechRequest) (openai.RawResponse, error)
	Moderations(ctx context.Context, request openai.ModerationRequest) (openai.ModerationResponse, error)
}

var (
	_ OpenAIAPI = (*openai.Client)(nil)
	_ OpenAIAPI = (*OpenAIClient)(nil)
)

// OpenAIClient is an instrumented stand-in for *openai.Client. Every method
// not listed in OpenAIAPI is promoted from the embedded client unchanged.
type OpenAIClient struct {
	*openai.Client
	in *instrument.Instrumenter
}

// WrapOpenAI returns client wrapped with in. A nil instrumenter yields a pure
// passthrough wrapper.
//
// go-openai cannot tell a missing usage object from one reporting zero
// tokens, so a response with all-zero usage is recorded without usage
// attributes and no ledger tokens.
func WrapOpenAI(client *openai.Client, in *instrument.Instrumenter) *OpenAIClient {
	return &OpenAIClient{Client: client, in: in}
}

// Unwrap returns the original client.
func (c *OpenAIClient) Unwrap() *openai.Client {
	return c.Client
}

func (c *OpenAIClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return instrument.Call(ctx, c.in, PathChatCompletions, request, c.Client.CreateChatCompletion, chatCompletionCodec)
}

func (c *OpenAIClient) CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	return instrument.Call(ctx, c.in, PathEmbeddings, conv, c.Client.CreateEmbeddings, embeddingsCodec)
}

func (c *OpenAIClient) CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error) {
	return instrument.Call(ctx, c.in, PathImagesGenerate, request, c.Client.CreateImage, imageCodec)
}

func (c *OpenAIClient) CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error) {
	return instrument.Call(ctx, c.in, PathAudioTranscriptions, request, c.Client.CreateTranscription, transcriptionCodec)
}

func (c *OpenAIClient) CreateSpeech(ctx context.Context, request openai.CreateSpeechRequest) (openai.RawResponse, error) {
	return instrument.Call(ctx, c.in, PathAudioSpeech, request, c.Client.CreateSpeech, speechCodec)
}

func (c *OpenAIClient) Moderations(ctx context.Context, request openai.ModerationRequest) (openai.ModerationResponse, error) {
	return instrument.Call(ctx, c.in, PathModerations, request, c.Client.Moderations, moderationCodec)
}

// go-openai decodes a missing usage object into a zero Usage, so an all-zero
// value is treated as absent.
func openAIUsage(usage openai.Usage) (instrument.RawUsage, bool) {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 && usage.TotalTokens == 0 {
		return instrument.RawUsage{}, false
	}
	return instrument.RawUsage{
		PromptTokens:     int64(usage.PromptTokens),
		CompletionTokens: int64(usage.CompletionTokens),
		TotalTokens:      int64(usage.TotalTokens),
	}, true
}

// Zero request fields are omitted on the wire by go-openai and count as unset.
func optionalTemperature(value float32) *float64 {
	if value == 0 {
		return nil
	}
	return instrument.Float(float64(value))
}

func optionalMaxTokens(values ...int) *int64 {
	for _, value := range values {
		if value > 0 {
			return instrument.Int(int64(value))
		}
	}
	return nil
}

var chatCompletionCodec = instrument.Codec[openai.ChatCompletionRequest, openai.ChatCompletionResponse]{
	Request: func(request openai.ChatCompletionRequest) instrument.RequestInfo {
		return instrument.RequestInfo{
			Model:       request.Model,
			Temperature: optionalTemperature(request.Temperature),
			MaxTokens:   optionalMaxTokens(request.MaxTokens, request.MaxCompletionTokens),
		}
	},
	Usage: func(response openai.ChatCompletionResponse) (instrument.RawUsage, bool) {
		return openAIUsage(response.Usage)
	},
}

var embeddingsCodec = instrument.Codec[openai.EmbeddingRequestConverter, openai.EmbeddingResponse]{
	Request: func(conv openai.EmbeddingRequestConverter) instrument.RequestInfo {
		if conv == nil {
			return instrument.RequestInfo{}
		}
		return instrument.RequestInfo{Model: string(conv.Convert().Model)}
	},
	Usage: func(response openai.EmbeddingResponse) (instrument.RawUsage, bool) {
		return openAIUsage(response.Usage)
	},
}

var imageCodec = instrument.Codec[openai.ImageRequest, openai.ImageResponse]{
	Request: func(request openai.ImageRequest) instrument.RequestInfo {
		return instrument.RequestInfo{Model: request.Model}
	},
}

var transcriptionCodec = instrument.Codec[openai.AudioRequest, openai.AudioResponse]{
	Request: func(request openai.AudioRequest) instrument.RequestInfo {
		return instrument.RequestInfo{
			Model:       request.Model,
			Temperature: optionalTemperature(request.Temperature),
		}
	},
}

var speechCodec = instrument.Codec[openai.CreateSpeechRequest, openai.RawResponse]{
	Request: func(request openai.CreateSpeechRequest) instrument.RequestInfo {
		return instrument.RequestInfo{Model: string(request.Model)}
	},
}

var moderationCodec = instrument.Codec[openai.ModerationRequest, openai.ModerationResponse]{
	Request: func(request openai.ModerationRequest) instrument.RequestInfo {
		return instrument.RequestInfo{Model: request.Model}
	},
}
