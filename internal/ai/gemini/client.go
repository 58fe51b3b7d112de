package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/spigell/bid-evaluator/internal/ai"
	"github.com/spigell/bid-evaluator/internal/logger"
	"github.com/spigell/bid-evaluator/internal/utils"
)

const (
	Provider = "gemini"

	defaultModel             = "gemini-2.0-flash"
	defaultMaxRetries        = 3
	defaultCallTimeout       = 2 * time.Minute
	defaultMaxQuotaWait      = 30 * time.Second
	defaultMaxLogLength      = 200
	defaultRequestsPerMinute = 15
)

var retryableCodes = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var retryDelayPattern = regexp.MustCompile(`(?i)retry (?:after|in) (\d+(?:\.\d+)?)\s*s`)

type chatSession interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type chatCreator interface {
	Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error)
}

type genaiChats struct {
	chats *genai.Chats
}

func (c genaiChats) Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error) {
	chat, err := c.chats.Create(ctx, model, config, history)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

type attachmentResolver interface {
	Resolve(ctx context.Context, attachments []ai.Attachment) []ai.Blob
}

type Config struct {
	APIKey            string
	Model             string
	MaxRetries        int
	CallTimeout       time.Duration
	RequestsPerMinute int
	MaxQuotaWait      time.Duration
	MaxLogLength      int
}

// Generator sends evaluation prompts to Gemini. Every call opens a fresh chat
// so stages never share conversational context.
type Generator struct {
	chats        chatCreator
	resolver     attachmentResolver
	model        string
	maxRetries   int
	callTimeout  time.Duration
	maxQuotaWait time.Duration
	maxLogLen    int
	limiter      *rate.Limiter
	logger       *zap.Logger

	newBackOff func() backoff.BackOff
}

var _ ai.Gateway = (*Generator)(nil)

func NewGenerator(ctx context.Context, cfg Config, resolver attachmentResolver, log *zap.Logger) (*Generator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}

	g := &Generator{
		chats:        genaiChats{chats: client.Chats},
		resolver:     resolver,
		model:        model,
		maxRetries:   cfg.MaxRetries,
		callTimeout:  cfg.CallTimeout,
		maxQuotaWait: cfg.MaxQuotaWait,
		maxLogLen:    cfg.MaxLogLength,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		logger:       logger.WithCommonFields(log, Provider, model),
	}
	return g, nil
}

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

// Invoke resolves the request attachments and sends them with the prompt.
// Transient failures are retried with exponential backoff until the attempt
// budget is spent.
func (g *Generator) Invoke(ctx context.Context, req ai.Request) (string, error) {
	if g == nil || g.chats == nil {
		return "", errors.New("gemini generator is not initialized")
	}
	if strings.TrimSpace(req.User) == "" {
		return "", errors.New("prompt must not be empty")
	}

	var blobs []ai.Blob
	if len(req.Attachments) > 0 && g.resolver != nil {
		blobs = g.resolver.Resolve(ctx, req.Attachments)
	}
	parts := buildParts(blobs, req.User)
	config := buildConfig(req)

	log := g.logger.With(logger.StageField(req.Stage))
	log.Debug("gemini request",
		zap.Int("attachments", len(blobs)),
		zap.Int("prompt_length", utf8.RuneCountInString(req.User)),
		zap.String("prompt_preview", utils.TruncateForLog(req.User, g.logLength())),
	)

	attempts := g.maxRetries
	if attempts <= 0 {
		attempts = defaultMaxRetries
	}

	var (
		output  string
		attempt int
	)
	operation := func() error {
		attempt++
		text, err := g.send(ctx, config, parts)
		if err == nil {
			output = text
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !g.shouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("gemini call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(g.backOff(), uint64(attempts-1)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		log.Error("gemini call failed", zap.Int("attempts", attempt), zap.Error(err))
		return "", err
	}

	log.Debug("gemini response",
		zap.Int("response_length", utf8.RuneCountInString(output)),
		zap.String("response_preview", utils.TruncateForLog(output, g.logLength())),
	)
	return output, nil
}

func (g *Generator) send(ctx context.Context, config *genai.GenerateContentConfig, parts []genai.Part) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	timeout := g.callTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	chat, err := g.chats.Create(callCtx, g.model, config, nil)
	if err != nil {
		return "", g.classify(ctx, callCtx, fmt.Errorf("create chat: %w", err))
	}

	resp, err := chat.SendMessage(callCtx, parts...)
	if err != nil {
		return "", g.classify(ctx, callCtx, fmt.Errorf("send message: %w", err))
	}

	text := responseText(resp)
	if text == "" {
		return "", ai.ErrEmptyResponse
	}
	return text, nil
}

// classify maps an expired call deadline to ErrModelTimeout while leaving
// cancellation of the parent context alone.
func (g *Generator) classify(parent, call context.Context, err error) error {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ai.ErrModelTimeout, g.callTimeout, err)
	}
	return err
}

func (g *Generator) shouldRetry(err error) bool {
	if errors.Is(err, ai.ErrModelTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	apiErr, ok := asAPIError(err)
	if !ok {
		return false
	}
	if !retryableCodes[apiErr.Code] {
		return false
	}
	if apiErr.Code == http.StatusTooManyRequests {
		maxWait := g.maxQuotaWait
		if maxWait <= 0 {
			maxWait = defaultMaxQuotaWait
		}
		if delay, ok := retryDelay(apiErr); ok && delay > maxWait {
			g.logger.Warn("gemini quota delay too long, giving up",
				zap.Duration("retry_delay", delay),
				zap.Duration("max_quota_wait", maxWait),
			)
			return false
		}
	}
	return true
}

func (g *Generator) backOff() backoff.BackOff {
	if g.newBackOff != nil {
		return g.newBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (g *Generator) logLength() int {
	if g.maxLogLen <= 0 {
		return defaultMaxLogLength
	}
	return g.maxLogLen
}

func asAPIError(err error) (genai.APIError, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return *apiErrPtr, true
	}
	return genai.APIError{}, false
}

// retryDelay reads the server-advertised wait from the error details or,
// failing that, from the message text.
func retryDelay(apiErr genai.APIError) (time.Duration, bool) {
	for _, detail := range apiErr.Details {
		raw, ok := detail["retryDelay"].(string)
		if !ok {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil {
			return d, true
		}
	}

	match := retryDelayPattern.FindStringSubmatch(apiErr.Message)
	if match == nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

func buildConfig(req ai.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(req.Temperature),
		ResponseMIMEType: "application/json",
	}
	if system := strings.TrimSpace(req.System); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return config
}

// buildParts places documents before the instruction text.
func buildParts(blobs []ai.Blob, text string) []genai.Part {
	parts := make([]genai.Part, 0, len(blobs)+1)
	for _, blob := range blobs {
		parts = append(parts, genai.Part{InlineData: &genai.Blob{Data: blob.Data, MIMEType: blob.MIMEType}})
	}
	return append(parts, genai.Part{Text: text})
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}
	return strings.TrimSpace(builder.String())
}
