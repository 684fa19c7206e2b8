package consistency

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"panelforge/internal/models"
)

// ChainManifest is a declarative one-shot chaining run loaded from YAML: the
// ordered panels of a sequence plus the chaining options applied to every
// consecutive pair.
type ChainManifest struct {
	Model              string               `yaml:"model"`
	Maintain           models.MaintainFlags `yaml:"maintain"`
	ContinuityStrength float64              `yaml:"continuity_strength"`
	Panels             []ManifestPanel      `yaml:"panels"`
}

// ManifestPanel declares one panel of the sequence. Image pre-seeds the
// panel's selected output; the first panel needs one to chain from, later
// panels get theirs from the chain itself.
type ManifestPanel struct {
	ID             string `yaml:"id"`
	Prompt         string `yaml:"prompt"`
	NegativePrompt string `yaml:"negative_prompt"`
	Image          string `yaml:"image"`
}

// LoadChainManifest reads and validates a chain manifest file.
func LoadChainManifest(path string) (*ChainManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain manifest: %w", err)
	}

	var m ChainManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse chain manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid chain manifest: %w", err)
	}
	return &m, nil
}

func (m *ChainManifest) validate() error {
	if len(m.Panels) < 2 {
		return fmt.Errorf("at least two panels are required to chain")
	}
	if m.ContinuityStrength < 0 || m.ContinuityStrength > 2 {
		return fmt.Errorf("continuity strength %.2f out of range [0, 2]", m.ContinuityStrength)
	}
	if !m.Maintain.Identity && !m.Maintain.Pose {
		return fmt.Errorf("nothing to maintain: enable identity and/or pose continuity")
	}

	seen := make(map[string]bool, len(m.Panels))
	for i, p := range m.Panels {
		if p.ID == "" {
			return fmt.Errorf("panel %d is missing an id", i+1)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate panel id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Prompt == "" {
			return fmt.Errorf("panel %q is missing a prompt", p.ID)
		}
	}
	if m.Panels[0].Image == "" {
		return fmt.Errorf("first panel %q needs an image to chain from", m.Panels[0].ID)
	}
	return nil
}

// RunManifest seeds the manifest's panels into the panel service, selecting
// any declared images as outputs, then chains the whole sequence once.
func (s *Service) RunManifest(ctx context.Context, m *ChainManifest) (*SequenceResult, error) {
	panelIDs := make([]string, 0, len(m.Panels))
	for _, p := range m.Panels {
		panel := &models.Panel{
			ID:             p.ID,
			Prompt:         p.Prompt,
			NegativePrompt: p.NegativePrompt,
			CreatedAt:      time.Now(),
		}
		if err := s.panels.CreatePanel(ctx, panel); err != nil {
			return nil, fmt.Errorf("failed to create panel %s: %w", p.ID, err)
		}

		if p.Image != "" {
			img := &models.GeneratedImage{
				ID:        uuid.NewString(),
				PanelID:   p.ID,
				Path:      p.Image,
				Source:    "manifest",
				CreatedAt: time.Now(),
			}
			if err := s.panels.CreateGeneratedImage(ctx, img); err != nil {
				return nil, fmt.Errorf("failed to record image for panel %s: %w", p.ID, err)
			}
			if err := s.panels.SelectOutput(ctx, p.ID, img.ID); err != nil {
				return nil, fmt.Errorf("failed to select image for panel %s: %w", p.ID, err)
			}
		}

		panelIDs = append(panelIDs, p.ID)
	}

	return s.ChainSequence(ctx, panelIDs, ChainOptions{
		Maintain:           m.Maintain,
		ContinuityStrength: m.ContinuityStrength,
		Model:              m.Model,
	}), nil
}
