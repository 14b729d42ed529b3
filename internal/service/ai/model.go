package ai

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/personify/backend/internal/model/settings"
)

// SettingsFunc supplies the endpoint settings for one call.
type SettingsFunc func(ctx context.Context) (settings.Settings, error)

// StaticSettings returns a SettingsFunc that always yields s.
func StaticSettings(s settings.Settings) SettingsFunc {
	return func(context.Context) (settings.Settings, error) { return s, nil }
}

// ChatModel exposes a Client as an eino chat model.
type ChatModel struct {
	client   *Client
	settings SettingsFunc
}

var _ model.BaseChatModel = (*ChatModel)(nil)

// NewChatModel wraps client; settings is consulted on every call.
func NewChatModel(client *Client, settings SettingsFunc) *ChatModel {
	return &ChatModel{client: client, settings: settings}
}

// GetType names the component for eino callbacks.
func (m *ChatModel) GetType() string {
	return "OpenAICompatible"
}

// Generate performs a non-streaming request.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	s, err := m.resolve(ctx, opts)
	if err != nil {
		return nil, err
	}
	res, err := m.client.Send(ctx, s, ToWire(input), false, nil)
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(res.Text, nil), nil
}

// Stream performs a streaming request. Deltas arrive as assistant message
// chunks. Once the returned reader is closed the HTTP request is aborted at
// the next delta; cancel ctx to abort it immediately.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	s, err := m.resolve(ctx, opts)
	if err != nil {
		return nil, err
	}
	messages := ToWire(input)

	sr, sw := schema.Pipe[*schema.Message](16)
	ctx, cancel := context.WithCancel(ctx)
	var readerGone atomic.Bool

	go func() {
		defer cancel()
		defer sw.Close()

		_, err := m.client.Send(ctx, s, messages, true, func(delta string) {
			if readerGone.Load() {
				return
			}
			if closed := sw.Send(schema.AssistantMessage(delta, nil), nil); closed {
				readerGone.Store(true)
				cancel()
			}
		})
		if err != nil && !readerGone.Load() {
			sw.Send(nil, err)
		}
	}()

	return sr, nil
}

func (m *ChatModel) resolve(ctx context.Context, opts []model.Option) (settings.Settings, error) {
	s, err := m.settings(ctx)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("failed to load chat settings: %w", err)
	}
	common := model.GetCommonOptions(&model.Options{}, opts...)
	if common.Model != nil && *common.Model != "" {
		s.Model = *common.Model
	}
	if common.Temperature != nil {
		s.Temperature = float64(*common.Temperature)
	}
	if common.TopP != nil {
		s.TopP = float64(*common.TopP)
	}
	if common.MaxTokens != nil {
		s.MaxTokens = *common.MaxTokens
	}
	return s, nil
}

// ToWire converts eino messages into chat completions messages. Plain
// content becomes a single text part.
func ToWire(input []*schema.Message) []Message {
	out := make([]Message, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		wire := Message{Role: string(msg.Role)}
		if len(msg.MultiContent) > 0 {
			for _, part := range msg.MultiContent {
				switch part.Type {
				case schema.ChatMessagePartTypeText:
					wire.Content = append(wire.Content, TextPart(part.Text))
				case schema.ChatMessagePartTypeImageURL:
					if part.ImageURL != nil {
						wire.Content = append(wire.Content, ImagePart(part.ImageURL.URL))
					}
				}
			}
		} else {
			wire.Content = []ContentPart{TextPart(msg.Content)}
		}
		out = append(out, wire)
	}
	return out
}
