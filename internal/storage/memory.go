package storage

import (
	"context"
	"sync"

	"panelforge/internal/interfaces"
	"panelforge/internal/models"
)

// MemoryPanelStore is the in-memory panel service used when no database is
// configured. Panels and outputs live for the process lifetime.
type MemoryPanelStore struct {
	mu     sync.RWMutex
	panels map[string]*models.Panel
	images map[string]*models.GeneratedImage
}

func NewMemoryPanelStore() *MemoryPanelStore {
	return &MemoryPanelStore{
		panels: make(map[string]*models.Panel),
		images: make(map[string]*models.GeneratedImage),
	}
}

// CreatePanel inserts a panel.
func (s *MemoryPanelStore) CreatePanel(ctx context.Context, panel *models.Panel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *panel
	s.panels[panel.ID] = &copied
	return nil
}

func (s *MemoryPanelStore) GetPanel(ctx context.Context, panelID string) (*models.Panel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	panel, ok := s.panels[panelID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	copied := *panel
	return &copied, nil
}

func (s *MemoryPanelStore) GetSelectedOutput(ctx context.Context, panelID string) (*models.GeneratedImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	panel, ok := s.panels[panelID]
	if !ok || panel.SelectedImageID == "" {
		return nil, interfaces.ErrNotFound
	}
	img, ok := s.images[panel.SelectedImageID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	copied := *img
	return &copied, nil
}

func (s *MemoryPanelStore) CreateGeneratedImage(ctx context.Context, img *models.GeneratedImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *img
	s.images[img.ID] = &copied
	return nil
}

func (s *MemoryPanelStore) SelectOutput(ctx context.Context, panelID, imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	panel, ok := s.panels[panelID]
	if !ok {
		return interfaces.ErrNotFound
	}
	img, ok := s.images[imageID]
	if !ok || img.PanelID != panelID {
		return interfaces.ErrNotFound
	}
	panel.SelectedImageID = imageID
	return nil
}
