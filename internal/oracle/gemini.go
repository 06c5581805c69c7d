package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
)

var errEmptyCandidate = errors.New("model returned no text")

// generator is the part of the genai client the oracle uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiOracle asks a Gemini model for scenarios, sending the screenshot as an
// image part next to the page description.
type GeminiOracle struct {
	models     generator
	model      string
	timeout    time.Duration
	maxRetries int
	limiter    *rate.Limiter
	prompts    *promptBuilder
	logger     *zap.Logger

	newBackOff func() backoff.BackOff
}

// NewGeminiOracle creates the genai client and wraps it.
func NewGeminiOracle(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (*GeminiOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions.BaseURL = cfg.Endpoint
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newGeminiOracle(client.Models, cfg, logger), nil
}

func newGeminiOracle(models generator, cfg config.OracleConfig, logger *zap.Logger) *GeminiOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &GeminiOracle{
		models:     models,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		maxRetries: maxRetries,
		limiter:    rate.NewLimiter(limit, burst),
		prompts:    newPromptBuilder(cfg.MaxDOMChars),
		logger:     logger.Named("oracle.gemini"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// ProposeScenarios implements schemas.Oracle. Every failure is returned as an
// *schemas.OracleError.
func (o *GeminiOracle) ProposeScenarios(ctx context.Context, in schemas.OracleInput) ([]schemas.ScenarioProposal, error) {
	prompt, err := o.prompts.build(in)
	if err != nil {
		return nil, &schemas.OracleError{Err: err}
	}
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if len(in.Screenshot) > 0 {
		parts = append(parts, genai.NewPartFromBytes(in.Screenshot, "image/png"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.2),
		ResponseMIMEType:  "application/json",
	}

	var text string
	operation := func() error {
		if err := o.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		callCtx, cancel := o.callContext(ctx)
		defer cancel()

		start := time.Now()
		resp, err := o.models.GenerateContent(callCtx, o.model, contents, genCfg)
		if err != nil {
			return o.classify(ctx, err)
		}
		text = resp.Text()
		if strings.TrimSpace(text) == "" {
			return backoff.Permanent(errEmptyCandidate)
		}
		fields := []zap.Field{zap.String("url", in.URL), zap.Duration("duration", time.Since(start))}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount))
		}
		o.logger.Debug("Oracle responded.", fields...)
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(o.newBackOff(), uint64(o.maxRetries)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, &schemas.OracleError{Err: err}
	}

	proposals, err := ParseProposals(text)
	if err != nil {
		return nil, &schemas.OracleError{Err: err}
	}
	return proposals, nil
}

func (o *GeminiOracle) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

// classify marks quota and server-side failures as retryable.
func (o *GeminiOracle) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
			o.logger.Warn("Transient oracle error, retrying.", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	o.logger.Warn("Oracle request failed, retrying.", zap.Error(err))
	return err
}
