package consistency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"panelforge/internal/controlnet"
	"panelforge/internal/interfaces"
	"panelforge/internal/models"
)

// Service extracts reusable visual identities, applies them to panels, and
// chains identity/pose continuity across ordered panel sequences.
type Service struct {
	stack   *controlnet.Stack
	backend interfaces.Backend
	panels  interfaces.PanelService
	store   IdentityStore

	defaultAdapter string
	outputDir      string

	// chain bindings: previous panel id -> identity derived from its output,
	// so a long chain reuses one identity instead of re-extracting per step.
	bindMu          sync.Mutex
	chainIdentities map[string]string
}

// Deps wires the service's collaborators. Stack, Backend, Panels and Store
// are required; DefaultAdapter and OutputDir have working defaults.
type Deps struct {
	Stack          *controlnet.Stack
	Backend        interfaces.Backend
	Panels         interfaces.PanelService
	Store          IdentityStore
	DefaultAdapter string
	OutputDir      string
}

// NewService creates a consistency service over the given collaborators.
func NewService(deps Deps) *Service {
	adapter := deps.DefaultAdapter
	if adapter == "" {
		adapter = DefaultAdapterModel
	}
	outputDir := deps.OutputDir
	if outputDir == "" {
		outputDir = "data/outputs"
	}
	return &Service{
		stack:           deps.Stack,
		backend:         deps.Backend,
		panels:          deps.Panels,
		store:           deps.Store,
		defaultAdapter:  adapter,
		outputDir:       outputDir,
		chainIdentities: make(map[string]string),
	}
}

// ExtractRequest asks for a new identity from reference sources. Sources are
// image paths, or panel ids when SourcesArePanelIDs is set.
type ExtractRequest struct {
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Sources            []string `json:"sources"`
	SourcesArePanelIDs bool     `json:"sources_are_panel_ids,omitempty"`
	AdapterModel       string   `json:"adapter_model,omitempty"`
}

// ExtractResult is the discriminated outcome of an extraction.
type ExtractResult struct {
	Success         bool     `json:"success"`
	IdentityID      string   `json:"identity_id,omitempty"`
	ReferenceImages []string `json:"reference_images,omitempty"`
	SkippedSources  []string `json:"skipped_sources,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// ExtractIdentity resolves the reference sources, derives an embedding from
// them, and registers a new identity with a zero usage count.
//
// Panel-id sources resolve to the panel's currently selected output. A panel
// without one is skipped (logged, not fatal); the operation fails only when
// zero sources resolve.
func (s *Service) ExtractIdentity(ctx context.Context, req *ExtractRequest) *ExtractResult {
	if len(req.Sources) == 0 {
		return &ExtractResult{Success: false, Error: "at least one reference source is required"}
	}

	var resolved, skipped []string
	if req.SourcesArePanelIDs {
		for _, panelID := range req.Sources {
			output, err := s.panels.GetSelectedOutput(ctx, panelID)
			if err != nil {
				log.Printf("[Consistency] skipping panel %s: no selected output (%v)", panelID, err)
				skipped = append(skipped, panelID)
				continue
			}
			resolved = append(resolved, output.Path)
		}
		if len(resolved) == 0 {
			return &ExtractResult{
				Success:        false,
				SkippedSources: skipped,
				Error:          "no resolvable reference images among the given panels",
			}
		}
	} else {
		resolved = req.Sources
	}

	adapter := req.AdapterModel
	if adapter == "" {
		adapter = s.defaultAdapter
	}

	resp, err := s.backend.ExtractEmbedding(ctx, &interfaces.EmbeddingRequest{
		Images:       resolved,
		AdapterModel: adapter,
	})
	if err != nil {
		return &ExtractResult{Success: false, SkippedSources: skipped, Error: err.Error()}
	}

	identity := &models.Identity{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Description:     req.Description,
		ReferenceImages: resolved,
		Embedding:       resp.Embedding,
		AdapterModel:    adapter,
		CreatedAt:       time.Now(),
	}
	if err := s.store.Insert(ctx, identity); err != nil {
		return &ExtractResult{Success: false, SkippedSources: skipped, Error: err.Error()}
	}

	log.Printf("[Consistency] extracted identity %s (%s) from %d reference image(s)",
		identity.ID, identity.Name, len(resolved))

	return &ExtractResult{
		Success:         true,
		IdentityID:      identity.ID,
		ReferenceImages: resolved,
		SkippedSources:  skipped,
	}
}

// ApplyRequest applies an identity to one panel.
type ApplyRequest struct {
	PanelID    string  `json:"panel_id"`
	IdentityID string  `json:"identity_id"`
	Strength   float64 `json:"strength,omitempty"` // 0 = adapter default
	Model      string  `json:"model,omitempty"`
	Seed       int64   `json:"seed,omitempty"`
}

// ApplyResult is the discriminated outcome of an application.
type ApplyResult struct {
	Success   bool   `json:"success"`
	PanelID   string `json:"panel_id,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ApplyIdentity regenerates a panel conditioned on an identity. Panel and
// identity existence are checked before any external call. On success the
// identity's usage count goes up by exactly one and the new output is
// recorded and selected for the panel.
func (s *Service) ApplyIdentity(ctx context.Context, req *ApplyRequest) *ApplyResult {
	panel, err := s.panels.GetPanel(ctx, req.PanelID)
	if err != nil {
		if notFoundErr(err) {
			return &ApplyResult{Success: false, Error: fmt.Sprintf("panel %s not found", req.PanelID)}
		}
		return &ApplyResult{Success: false, Error: err.Error()}
	}

	identity, ok := s.store.Get(ctx, req.IdentityID)
	if !ok {
		return &ApplyResult{Success: false, Error: fmt.Sprintf("identity %s not found", req.IdentityID)}
	}

	strength := req.Strength
	if strength == 0 {
		strength = adapterDefaultStrength(identity.AdapterModel)
	}

	resp, err := s.backend.GenerateImage(ctx, &interfaces.ImageRequest{
		Prompt:         panel.Prompt,
		NegativePrompt: panel.NegativePrompt,
		Model:          req.Model,
		Seed:           req.Seed,
		Reference: &interfaces.ReferenceInput{
			Images:       identity.ReferenceImages,
			Embedding:    identity.Embedding,
			AdapterModel: identity.AdapterModel,
			Strength:     strength,
		},
	})
	if err != nil {
		return &ApplyResult{Success: false, Error: err.Error()}
	}

	if err := s.recordOutput(ctx, panel.ID, resp, req.Model, "identity"); err != nil {
		return &ApplyResult{Success: false, Error: err.Error()}
	}
	if _, err := s.store.IncrementUsage(ctx, identity.ID); err != nil {
		log.Printf("[Consistency] usage count increment failed for %s: %v", identity.ID, err)
	}

	return &ApplyResult{Success: true, PanelID: panel.ID, ImagePath: resp.ImagePath}
}

// recordOutput persists a generated image and selects it for the panel.
func (s *Service) recordOutput(ctx context.Context, panelID string, resp *interfaces.ImageResponse, model, source string) error {
	img := &models.GeneratedImage{
		ID:        uuid.NewString(),
		PanelID:   panelID,
		Path:      resp.ImagePath,
		Seed:      resp.Seed,
		Model:     model,
		Source:    source,
		CreatedAt: time.Now(),
	}
	if err := s.panels.CreateGeneratedImage(ctx, img); err != nil {
		return fmt.Errorf("failed to record generated image: %w", err)
	}
	if err := s.panels.SelectOutput(ctx, panelID, img.ID); err != nil {
		return fmt.Errorf("failed to select output: %w", err)
	}
	return nil
}

// GetIdentity returns one identity from the store.
func (s *Service) GetIdentity(ctx context.Context, id string) (*models.Identity, bool) {
	return s.store.Get(ctx, id)
}

// ListIdentities returns all identities.
func (s *Service) ListIdentities(ctx context.Context) []*models.Identity {
	return s.store.List(ctx)
}

// ListAdapterModels returns the adapter catalog.
func (s *Service) ListAdapterModels() []AdapterModel {
	return ListAdapterModels()
}

// ListControlPresets returns the control-stack preset catalog.
func (s *Service) ListControlPresets() []controlnet.Preset {
	return controlnet.ListPresets()
}

// Reset clears every identity and all chain bindings at once.
func (s *Service) Reset(ctx context.Context) error {
	s.bindMu.Lock()
	s.chainIdentities = make(map[string]string)
	s.bindMu.Unlock()
	return s.store.Clear(ctx)
}

// notFoundErr reports whether an error marks a missing entity.
func notFoundErr(err error) bool {
	return errors.Is(err, interfaces.ErrNotFound)
}
