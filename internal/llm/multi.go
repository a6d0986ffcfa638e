package llm

import (
	"context"
	"fmt"
)

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name. Registration must
// finish before the client is shared.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	return m.fallback
}

// Send forwards the request to the provider that owns req.Model.
func (m *MultiClient) Send(ctx context.Context, req Request) (*Response, error) {
	client := m.clientFor(req.Model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return client.Send(ctx, req)
}

// Ping checks the fallback provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback != nil {
		return m.fallback.Ping(ctx)
	}
	return fmt.Errorf("no fallback client configured")
}
