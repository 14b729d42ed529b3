package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/model/chat"
	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/service/capture"
)

// Exchange is the input of one request: who answers, about which page,
// what is asked and what was said before.
type Exchange struct {
	Persona persona.Persona
	Page    capture.Page
	Prompt  string
	History []chat.Message
}

// Service encapsulates page-aware chat generation.
type Service struct {
	chatModel model.BaseChatModel
	chain     compose.Runnable[Exchange, *schema.Message]
	logger    *zap.Logger
}

// NewService compiles the request chain around chatModel.
func NewService(ctx context.Context, chatModel model.BaseChatModel, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	build := compose.InvokableLambda(func(_ context.Context, ex Exchange) ([]*schema.Message, error) {
		return BuildMessages(ex.Persona, ex.Page, ex.Prompt, ex.History), nil
	})

	chain := compose.NewChain[Exchange, *schema.Message]()
	chain.AppendLambda(build)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		chain:     runnable,
		logger:    logger,
	}, nil
}

// GenerateResponse runs one non-streaming exchange.
func (s *Service) GenerateResponse(ctx context.Context, ex Exchange) (*schema.Message, error) {
	response, err := s.chain.Invoke(ctx, ex)
	if err != nil {
		return nil, fmt.Errorf("failed to run chat chain: %w", err)
	}

	s.logger.Info("generated response",
		zap.String("persona", ex.Persona.ID),
		zap.Int("images", len(ex.Page.Images)),
		zap.Int("length", len(response.Content)),
	)
	return response, nil
}

// StreamResponse runs one streaming exchange.
func (s *Service) StreamResponse(ctx context.Context, ex Exchange) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chain.Stream(ctx, ex)
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat chain output: %w", err)
	}
	return stream, nil
}

// GetChatModel returns the underlying chat model.
func (s *Service) GetChatModel() model.BaseChatModel {
	return s.chatModel
}
