package ai

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/personify/backend/internal/model/chat"
	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/service/capture"
)

// SystemPrompt returns the persona system prompt, or the built-in one.
func SystemPrompt(p persona.Persona) string {
	if strings.TrimSpace(p.System) == "" {
		return persona.DefaultSystem
	}
	return p.System
}

// SummaryPrompt returns the persona summarization prompt, or the built-in one.
func SummaryPrompt(p persona.Persona) string {
	if strings.TrimSpace(p.SummaryPrompt) == "" {
		return persona.DefaultSummaryPrompt
	}
	return p.SummaryPrompt
}

// BuildMessages assembles one request: the persona system prompt, prior
// turns, then a multimodal user message carrying the page images in capture
// order, the page text and the prompt.
func BuildMessages(p persona.Persona, page capture.Page, prompt string, history []chat.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, schema.SystemMessage(SystemPrompt(p)))

	for _, msg := range history {
		switch msg.Sender {
		case chat.SenderUser:
			messages = append(messages, schema.UserMessage(msg.Content))
		case chat.SenderAssistant:
			messages = append(messages, schema.AssistantMessage(msg.Content, nil))
		}
	}

	parts := make([]schema.ChatMessagePart, 0, len(page.Images)+2)
	for _, img := range page.Images {
		parts = append(parts, schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{URL: img.DataURL},
		})
	}
	if page.Text != "" {
		parts = append(parts, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: page.Text})
	}
	parts = append(parts, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: prompt})

	messages = append(messages, &schema.Message{Role: schema.User, MultiContent: parts})
	return messages
}
