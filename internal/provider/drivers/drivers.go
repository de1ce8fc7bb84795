// Package drivers builds one circuit-broken driver per catalog entry.
package drivers

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/query-gateway/internal/catalog"
	"github.com/vnmchuo/query-gateway/internal/credential"
	"github.com/vnmchuo/query-gateway/internal/provider"
	"github.com/vnmchuo/query-gateway/internal/provider/claude"
	"github.com/vnmchuo/query-gateway/internal/provider/gemini"
	"github.com/vnmchuo/query-gateway/internal/provider/openai"
)

type factory func(baseURL, apiKey string, models []string) provider.Provider

var factories = map[provider.ID]factory{
	provider.OpenAI: openai.New,
	provider.Claude: claude.New,
	provider.Gemini: gemini.New,
}

// Build fails if any entry's credential cannot be resolved; a catalog entry
// without a working credential is a startup error, not a runtime fallback.
func Build(cat *catalog.Catalog, creds credential.Store, cfg provider.BreakerConfig, logger *zap.Logger) (map[provider.ID]provider.Driver, error) {
	out := make(map[provider.ID]provider.Driver)
	for _, e := range cat.Entries() {
		newDriver, ok := factories[e.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no driver for %s", catalog.ErrInvalidProviderConfig, e.ID)
		}
		secret, err := creds.CredentialFor(e.CredentialRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", catalog.ErrInvalidProviderConfig, e.ID, err)
		}
		out[e.ID] = provider.NewBreaker(newDriver(e.BaseURL, secret, e.Models()), cfg, logger)
		logger.Info("provider driver ready",
			zap.String("provider", string(e.ID)),
			zap.Int("priority", e.Priority),
			zap.Strings("models", e.Models()),
		)
	}
	return out, nil
}
