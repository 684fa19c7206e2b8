package consistency

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"panelforge/internal/interfaces"
	"panelforge/internal/models"
)

// mockBackend records calls and returns canned responses. failOnGenerateCall
// makes the Nth GenerateImage call fail (1-indexed, 0 = never).
type mockBackend struct {
	mu sync.Mutex

	generateCalls   []*interfaces.ImageRequest
	embeddingCalls  []*interfaces.EmbeddingRequest
	preprocessCalls []*interfaces.PreprocessRequest

	generateErr        error
	embeddingErr       error
	failOnGenerateCall int
}

func (m *mockBackend) GenerateImage(ctx context.Context, req *interfaces.ImageRequest) (*interfaces.ImageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generateCalls = append(m.generateCalls, req)
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	if m.failOnGenerateCall == len(m.generateCalls) {
		return nil, fmt.Errorf("backend failed on call %d", m.failOnGenerateCall)
	}
	return &interfaces.ImageResponse{
		ImagePath: fmt.Sprintf("data/outputs/gen_%d.png", len(m.generateCalls)),
		Seed:      req.Seed,
	}, nil
}

func (m *mockBackend) Preprocess(ctx context.Context, req *interfaces.PreprocessRequest) (*interfaces.PreprocessResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.preprocessCalls = append(m.preprocessCalls, req)
	return &interfaces.PreprocessResponse{OutputPath: req.OutputPath}, nil
}

func (m *mockBackend) ExtractEmbedding(ctx context.Context, req *interfaces.EmbeddingRequest) (*interfaces.EmbeddingResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.embeddingCalls = append(m.embeddingCalls, req)
	if m.embeddingErr != nil {
		return nil, m.embeddingErr
	}
	return &interfaces.EmbeddingResponse{
		Embedding: "ipref:" + strings.Join(req.Images, ";"),
	}, nil
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

// mockPanels is an in-memory panel service for tests. getPanelErr forces
// every GetPanel call to fail with a non-NotFound error.
type mockPanels struct {
	mu          sync.Mutex
	panels      map[string]*models.Panel
	images      map[string]*models.GeneratedImage
	getPanelErr error
}

func newMockPanels() *mockPanels {
	return &mockPanels{
		panels: make(map[string]*models.Panel),
		images: make(map[string]*models.GeneratedImage),
	}
}

// addPanel registers a panel, optionally with a pre-selected output path.
func (p *mockPanels) addPanel(id, prompt, selectedPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	panel := &models.Panel{ID: id, Prompt: prompt}
	if selectedPath != "" {
		imgID := id + "-img"
		p.images[imgID] = &models.GeneratedImage{ID: imgID, PanelID: id, Path: selectedPath}
		panel.SelectedImageID = imgID
	}
	p.panels[id] = panel
}

func (p *mockPanels) CreatePanel(ctx context.Context, panel *models.Panel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.panels[panel.ID] = panel
	return nil
}

func (p *mockPanels) GetPanel(ctx context.Context, panelID string) (*models.Panel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.getPanelErr != nil {
		return nil, p.getPanelErr
	}
	panel, ok := p.panels[panelID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return panel, nil
}

func (p *mockPanels) GetSelectedOutput(ctx context.Context, panelID string) (*models.GeneratedImage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	panel, ok := p.panels[panelID]
	if !ok || panel.SelectedImageID == "" {
		return nil, interfaces.ErrNotFound
	}
	return p.images[panel.SelectedImageID], nil
}

func (p *mockPanels) CreateGeneratedImage(ctx context.Context, img *models.GeneratedImage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.images[img.ID] = img
	return nil
}

func (p *mockPanels) SelectOutput(ctx context.Context, panelID, imageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	panel, ok := p.panels[panelID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if _, ok := p.images[imageID]; !ok {
		return interfaces.ErrNotFound
	}
	panel.SelectedImageID = imageID
	return nil
}

func (p *mockPanels) selectedPath(panelID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	panel, ok := p.panels[panelID]
	if !ok || panel.SelectedImageID == "" {
		return ""
	}
	return p.images[panel.SelectedImageID].Path
}

func (p *mockPanels) selectedSource(panelID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	panel, ok := p.panels[panelID]
	if !ok || panel.SelectedImageID == "" {
		return ""
	}
	return p.images[panel.SelectedImageID].Source
}
