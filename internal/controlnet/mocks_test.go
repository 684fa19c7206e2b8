package controlnet

import (
	"context"
	"fmt"
	"sync"

	"panelforge/internal/interfaces"
)

// mockBackend records every request and returns canned responses.
type mockBackend struct {
	mu sync.Mutex

	generateCalls   []*interfaces.ImageRequest
	preprocessCalls []*interfaces.PreprocessRequest

	generateErr    error
	preprocessErr  error
	failingPreproc string // preprocessor name that should error
	imagePath      string
}

func newMockBackend() *mockBackend {
	return &mockBackend{imagePath: "data/outputs/test.png"}
}

func (m *mockBackend) GenerateImage(ctx context.Context, req *interfaces.ImageRequest) (*interfaces.ImageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generateCalls = append(m.generateCalls, req)
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	return &interfaces.ImageResponse{ImagePath: m.imagePath, Seed: req.Seed}, nil
}

func (m *mockBackend) Preprocess(ctx context.Context, req *interfaces.PreprocessRequest) (*interfaces.PreprocessResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.preprocessCalls = append(m.preprocessCalls, req)
	if m.preprocessErr != nil {
		return nil, m.preprocessErr
	}
	if m.failingPreproc != "" && req.Preprocessor == m.failingPreproc {
		return nil, fmt.Errorf("preprocessor %s crashed", req.Preprocessor)
	}
	return &interfaces.PreprocessResponse{OutputPath: req.OutputPath}, nil
}

func (m *mockBackend) ExtractEmbedding(ctx context.Context, req *interfaces.EmbeddingRequest) (*interfaces.EmbeddingResponse, error) {
	return &interfaces.EmbeddingResponse{Embedding: "ipref:test"}, nil
}

func (m *mockBackend) GetStatus(ctx context.Context) (*interfaces.GeneratorStatus, error) {
	return &interfaces.GeneratorStatus{IsAvailable: true}, nil
}

func (m *mockBackend) lastGenerate() *interfaces.ImageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.generateCalls) == 0 {
		return nil
	}
	return m.generateCalls[len(m.generateCalls)-1]
}

// mapCache is an in-memory preprocess cache.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]string
	hits    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]string)}
}

func (c *mapCache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *mapCache) Set(ctx context.Context, key, outputPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = outputPath
}

// mockRefiner returns a fixed rewrite or an error.
type mockRefiner struct {
	result string
	err    error
	calls  int
}

func (r *mockRefiner) Refine(ctx context.Context, prompt string, hints []string) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return r.result, nil
}
