// Package ai 使用大模型对信号进行可选的复核。
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"autotrader/internal/config"
)

// Client 封装 OpenAI 调用逻辑。
type Client struct {
	cfg    config.AIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建 AI 客户端。
func NewClient(cfg config.AIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai: api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("ai: model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "ai")),
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// Review 请求模型复核信号。
func (c *Client) Review(ctx context.Context, snapshot Snapshot) (Review, error) {
	prompt, err := BuildPrompt(snapshot)
	if err != nil {
		return Review{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("调用OpenAI失败", zap.Error(err))
		return Review{}, fmt.Errorf("ai: 调用OpenAI失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return Review{}, errors.New("ai: OpenAI 返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return Review{}, errors.New("ai: OpenAI 返回内容为空")
	}

	review, err := parseReview(rawContent)
	if err != nil {
		c.logger.Error("解析模型复核失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return Review{}, err
	}
	if err := review.Validate(); err != nil {
		return Review{}, err
	}

	c.logger.Info("AI 复核完成",
		zap.String("symbol", review.Symbol),
		zap.String("verdict", string(review.Verdict)),
		zap.Float64("confidence", review.Confidence),
	)
	return review, nil
}

func parseReview(content string) (Review, error) {
	jsonPayload, err := extractJSON(content)
	if err != nil {
		return Review{}, err
	}

	var review Review
	if err = json.Unmarshal(jsonPayload, &review); err != nil {
		return Review{}, fmt.Errorf("ai: 解析复核JSON失败: %w", err)
	}
	return review, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("ai: 模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
