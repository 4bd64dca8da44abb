package providers

import (
	"context"

	"github.com/agentbill/agentbill-go/instrument"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// PathMessages is the Anthropic messages interception path.
const PathMessages = "messages.create"

const anthropicProvider = "anthropic"

// AnthropicTable declares the Anthropic methods that are instrumented.
var AnthropicTable = instrument.NewTable(anthropicProvider,
	instrument.Endpoint{Path: PathMessages, Usage: instrument.UsageInputOutput},
)

// AnthropicMessagesAPI is the message-creation surface shared by
// *anthropic.MessageService and *AnthropicMessages.
type AnthropicMessagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

var (
	_ AnthropicMessagesAPI = (*anthropic.MessageService)(nil)
	_ AnthropicMessagesAPI = (*AnthropicMessages)(nil)
)

// AnthropicClient is an instrumented stand-in for anthropic.Client. Its
// Messages field shadows the embedded client's; every other service and
// option is promoted unchanged.
type AnthropicClient struct {
	anthropic.Client
	Messages *AnthropicMessages
}

// AnthropicMessages shadows New and leaves the rest of the message service
// (streaming, token counting, batches) bound to the original.
type AnthropicMessages struct {
	*anthropic.MessageService
	in *instrument.Instrumenter
}

// WrapAnthropic returns client wrapped with in.
func WrapAnthropic(client anthropic.Client, in *instrument.Instrumenter) *AnthropicClient {
	wrapped := &AnthropicClient{Client: client}
	wrapped.Messages = &AnthropicMessages{
		MessageService: &wrapped.Client.Messages,
		in:             in,
	}
	return wrapped
}

// Unwrap returns the original client value.
func (c *AnthropicClient) Unwrap() anthropic.Client {
	return c.Client
}

func (m *AnthropicMessages) New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	return instrument.Call(ctx, m.in, PathMessages, body,
		func(ctx context.Context, body anthropic.MessageNewParams) (*anthropic.Message, error) {
			return m.MessageService.New(ctx, body, opts...)
		},
		messageCodec,
	)
}

var messageCodec = instrument.Codec[anthropic.MessageNewParams, *anthropic.Message]{
	Request: func(body anthropic.MessageNewParams) instrument.RequestInfo {
		info := instrument.RequestInfo{Model: string(body.Model)}
		if body.Temperature.Valid() {
			info.Temperature = instrument.Float(body.Temperature.Value)
		}
		if body.MaxTokens > 0 {
			info.MaxTokens = instrument.Int(body.MaxTokens)
		}
		return info
	},
	Usage: messageUsage,
}

// messageUsage reads usage from the raw response body when it is available
// so a missing usage object is not mistaken for zero usage.
func messageUsage(message *anthropic.Message) (instrument.RawUsage, bool) {
	if message == nil {
		return instrument.RawUsage{}, false
	}
	if raw := message.RawJSON(); raw != "" {
		return instrument.ParseUsageJSON([]byte(raw))
	}
	if message.Usage.InputTokens == 0 && message.Usage.OutputTokens == 0 {
		return instrument.RawUsage{}, false
	}
	return instrument.RawUsage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}, true
}
