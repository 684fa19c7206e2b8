package interfaces

import (
	"context"
	"errors"

	"panelforge/internal/models"
)

// ErrNotFound is returned by PanelService implementations when a panel,
// image, or selected output does not exist.
var ErrNotFound = errors.New("not found")

// PanelService is the external panel/image lookup contract. Panels are
// normally owned by the host application; CreatePanel exists for the
// manifest-driven run mode, which seeds its own sequence.
type PanelService interface {
	// CreatePanel registers a new panel.
	CreatePanel(ctx context.Context, panel *models.Panel) error

	// GetPanel returns the panel with the given id.
	GetPanel(ctx context.Context, id string) (*models.Panel, error)

	// GetSelectedOutput returns the currently selected generated image of a
	// panel, or ErrNotFound when the panel has no selected output.
	GetSelectedOutput(ctx context.Context, panelID string) (*models.GeneratedImage, error)

	// CreateGeneratedImage records a new generated output.
	CreateGeneratedImage(ctx context.Context, img *models.GeneratedImage) error

	// SelectOutput marks one generated image as the panel's selected output.
	SelectOutput(ctx context.Context, panelID, imageID string) error
}
