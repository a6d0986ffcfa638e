// Package embeddings turns short texts into vectors via Ollama so the
// ledger can rank transactions by meaning as well as by keyword.
package embeddings

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/nugget/pennywise/internal/httpkit"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "nomic-embed-text"

// ErrEmptyEmbedding is returned when the server answers with no vector.
var ErrEmptyEmbedding = errors.New("empty embedding")

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config for the embedding client.
type Config struct {
	BaseURL string        // Ollama base URL (e.g., "http://localhost:11434")
	Model   string        // Embedding model
	Timeout time.Duration // Per request; defaults to 30s
}

// Client generates embeddings using Ollama's embedding API.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// New creates an embedding client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
		logger:  logger.With("component", "embeddings"),
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed creates an embedding for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(er.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}

	c.logger.Debug("embedding generated",
		"model", c.model,
		"dims", len(er.Embedding),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return er.Embedding, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// TopK returns the indices of the k vectors most similar to query, best
// first. Ties keep their original order.
func TopK(query []float32, vectors [][]float32, k int) []int {
	if k <= 0 || len(vectors) == 0 {
		return nil
	}

	idx := make([]int, len(vectors))
	scores := make([]float32, len(vectors))
	for i, v := range vectors {
		idx[i] = i
		scores[i] = CosineSimilarity(query, v)
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// Encode packs a vector as little-endian float32s for BLOB storage.
func Encode(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode reverses Encode.
func Decode(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
