// Package oracle proposes ranked interaction scenarios for a captured page,
// either by asking a multimodal model or from page structure alone.
package oracle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
)

const (
	ProviderHeuristic = "heuristic"
	ProviderGemini    = "gemini"
)

// New creates the oracle selected by cfg.Provider.
func New(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (schemas.Oracle, error) {
	switch cfg.Provider {
	case ProviderHeuristic, "":
		return NewHeuristicOracle(logger), nil
	case ProviderGemini:
		return NewGeminiOracle(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported oracle provider configured: '%s'. Supported: [%s, %s]", cfg.Provider, ProviderHeuristic, ProviderGemini)
	}
}
