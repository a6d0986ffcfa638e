package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/pennywise/internal/embeddings"
)

// EmbeddingText is the text embedded for a transaction.
func EmbeddingText(t Transaction) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{t.Merchant, t.Description, t.Category} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " | ")
}

// IndexPending embeds up to batch transactions that have no vector yet.
// Individual failures are logged and skipped; the count of transactions
// embedded is returned.
func IndexPending(ctx context.Context, store *Store, emb embeddings.Embedder, logger *slog.Logger, batch int) (int, error) {
	if emb == nil {
		return 0, nil
	}
	pending, err := store.Unembedded(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("list unembedded: %w", err)
	}

	var done int
	for _, t := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		vec, err := emb.Embed(ctx, EmbeddingText(t))
		if err != nil {
			logger.Warn("transaction embedding failed", "id", t.ID, "error", err)
			continue
		}
		if err := store.SetEmbedding(ctx, t.ID, vec); err != nil {
			logger.Warn("store embedding failed", "id", t.ID, "error", err)
			continue
		}
		done++
	}
	if done > 0 {
		logger.Debug("transactions embedded", "count", done, "pending", len(pending))
	}
	return done, nil
}
