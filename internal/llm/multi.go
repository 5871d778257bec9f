package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownModel is wrapped when no provider serves a model.
var ErrUnknownModel = errors.New("no provider configured for model")

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	clients map[string]Client // provider name → client
	models  map[string]string // model name → provider name
}

// NewMultiClient creates an empty router.
func NewMultiClient() *MultiClient {
	return &MultiClient{
		clients: make(map[string]Client),
		models:  make(map[string]string),
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Serves reports whether model routes to a registered provider.
func (m *MultiClient) Serves(model string) bool {
	_, err := m.clientFor(model)
	return err == nil
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	provider, ok := m.models[model]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownModel, model)
	}
	client, ok := m.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w %q (provider %q not registered)", ErrUnknownModel, model, provider)
	}
	return client, nil
}

// ChatStream sends a streaming request to the provider serving model.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, model, messages, tools, callback)
}
