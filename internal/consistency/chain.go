package consistency

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"panelforge/internal/controlnet"
	"panelforge/internal/interfaces"
	"panelforge/internal/models"
)

// ChainRequest links one target panel to the previous panel's output.
type ChainRequest struct {
	PanelID            string               `json:"panel_id"`
	PreviousPanelID    string               `json:"previous_panel_id"`
	Maintain           models.MaintainFlags `json:"maintain"`
	ContinuityStrength float64              `json:"continuity_strength,omitempty"` // 0 = 0.8
	Model              string               `json:"model,omitempty"`
	Seed               int64                `json:"seed,omitempty"`
}

// ChainResult is the discriminated outcome of one chain step.
type ChainResult struct {
	Success         bool   `json:"success"`
	PreviousPanelID string `json:"previous_panel_id"`
	TargetPanelID   string `json:"target_panel_id"`
	ImagePath       string `json:"image_path,omitempty"`
	Error           string `json:"error,omitempty"`
}

const defaultContinuityStrength = 0.8

// ChainFromPrevious generates the target panel conditioned on the previous
// panel's selected output. Pose continuity rides a ControlNet condition,
// identity continuity rides reference conditioning; when both are requested
// they go out as orthogonal signals on the same generation call. The
// continuity strength is used verbatim: no decay by panel distance.
func (s *Service) ChainFromPrevious(ctx context.Context, req *ChainRequest) *ChainResult {
	result := &ChainResult{
		PreviousPanelID: req.PreviousPanelID,
		TargetPanelID:   req.PanelID,
	}

	if !req.Maintain.Identity && !req.Maintain.Pose {
		result.Error = "nothing to maintain: enable identity and/or pose continuity"
		return result
	}

	previous, err := s.panels.GetSelectedOutput(ctx, req.PreviousPanelID)
	if err != nil {
		if notFoundErr(err) {
			result.Error = fmt.Sprintf("previous panel %s has no selected output to chain from", req.PreviousPanelID)
		} else {
			result.Error = err.Error()
		}
		return result
	}

	target, err := s.panels.GetPanel(ctx, req.PanelID)
	if err != nil {
		result.Error = fmt.Sprintf("panel %s not found", req.PanelID)
		return result
	}

	strength := req.ContinuityStrength
	if strength == 0 {
		strength = defaultContinuityStrength
	}
	if strength < 0 || strength > 2 {
		result.Error = fmt.Sprintf("continuity strength %.2f out of range [0, 2]", strength)
		return result
	}

	var reference *controlnet.ReferenceSpec
	if req.Maintain.Identity {
		identity, err := s.ensureChainIdentity(ctx, req.PreviousPanelID, previous.Path)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		reference = &controlnet.ReferenceSpec{
			Images:       identity.ReferenceImages,
			Embedding:    identity.Embedding,
			AdapterModel: identity.AdapterModel,
			Strength:     strength,
		}
		defer func() {
			if result.Success {
				if _, err := s.store.IncrementUsage(ctx, identity.ID); err != nil {
					log.Printf("[Consistency] usage count increment failed for %s: %v", identity.ID, err)
				}
			}
		}()
	}

	var resp *interfaces.ImageResponse
	if req.Maintain.Pose {
		posePath := filepath.Join(s.outputDir, fmt.Sprintf("pose_%s.png", req.PreviousPanelID))
		pre := s.stack.Preprocess(ctx, previous.Path, models.ControlOpenPose, posePath)
		if !pre.Success {
			result.Error = fmt.Sprintf("pose extraction failed: %s", pre.Error)
			return result
		}

		gen := s.stack.Generate(ctx, &controlnet.GenerateRequest{
			Prompt:         target.Prompt,
			NegativePrompt: target.NegativePrompt,
			Model:          req.Model,
			Seed:           req.Seed,
			Controls: []models.ControlCondition{{
				Type:            models.ControlOpenPose,
				ImageRef:        pre.OutputPath,
				Strength:        strength,
				RawControlImage: true,
			}},
			Reference: reference,
		})
		if !gen.Success {
			result.Error = gen.Error
			return result
		}
		resp = &interfaces.ImageResponse{ImagePath: gen.ImagePath, Seed: gen.Seed}
	} else {
		// Identity-only chaining goes straight through the backend's
		// reference-conditioned path; there is no ControlNet condition to
		// stack.
		resp, err = s.backend.GenerateImage(ctx, &interfaces.ImageRequest{
			Prompt:         target.Prompt,
			NegativePrompt: target.NegativePrompt,
			Model:          req.Model,
			Seed:           req.Seed,
			Reference: &interfaces.ReferenceInput{
				Images:       reference.Images,
				Embedding:    reference.Embedding,
				AdapterModel: reference.AdapterModel,
				Strength:     reference.Strength,
			},
		})
		if err != nil {
			result.Error = err.Error()
			return result
		}
	}

	if err := s.recordOutput(ctx, target.ID, resp, req.Model, "chain"); err != nil {
		result.Error = err.Error()
		return result
	}

	result.Success = true
	result.ImagePath = resp.ImagePath
	return result
}

// ensureChainIdentity derives an identity from a panel's output image, or
// reuses the one already bound to that panel by an earlier chain step.
func (s *Service) ensureChainIdentity(ctx context.Context, panelID, imagePath string) (*models.Identity, error) {
	s.bindMu.Lock()
	boundID, ok := s.chainIdentities[panelID]
	s.bindMu.Unlock()

	if ok {
		if identity, found := s.store.Get(ctx, boundID); found {
			return identity, nil
		}
		// Bound identity was cleared from the store; re-derive below.
	}

	extract := s.ExtractIdentity(ctx, &ExtractRequest{
		Name:    fmt.Sprintf("panel-%s-continuity", panelID),
		Sources: []string{imagePath},
	})
	if !extract.Success {
		return nil, fmt.Errorf("continuity identity extraction failed: %s", extract.Error)
	}

	s.bindMu.Lock()
	s.chainIdentities[panelID] = extract.IdentityID
	s.bindMu.Unlock()

	identity, _ := s.store.Get(ctx, extract.IdentityID)
	return identity, nil
}

// ChainOptions configures a whole-sequence chaining run.
type ChainOptions struct {
	Maintain           models.MaintainFlags `json:"maintain"`
	ContinuityStrength float64              `json:"continuity_strength,omitempty"`
	Model              string               `json:"model,omitempty"`
}

// SequenceResult aggregates the per-pair outcomes of a sequence run. Results
// always holds one entry per consecutive pair, failed or not.
type SequenceResult struct {
	Results      []ChainResult `json:"results"`
	SuccessCount int           `json:"success_count"`
}

// ChainSequence chains every consecutive pair of the ordered panel list,
// strictly in order: each step conditions on the previous step's produced
// output, so steps cannot run in parallel. A failing pair is recorded and
// the loop continues, so a long batch still yields output for as many
// panels as possible.
func (s *Service) ChainSequence(ctx context.Context, panelIDs []string, opts ChainOptions) *SequenceResult {
	result := &SequenceResult{}
	if len(panelIDs) < 2 {
		return result
	}

	for i := 0; i < len(panelIDs)-1; i++ {
		step := s.ChainFromPrevious(ctx, &ChainRequest{
			PanelID:            panelIDs[i+1],
			PreviousPanelID:    panelIDs[i],
			Maintain:           opts.Maintain,
			ContinuityStrength: opts.ContinuityStrength,
			Model:              opts.Model,
		})
		if step.Success {
			result.SuccessCount++
		} else {
			log.Printf("[Consistency] chain step %s -> %s failed: %s",
				step.PreviousPanelID, step.TargetPanelID, step.Error)
		}
		result.Results = append(result.Results, *step)
	}

	return result
}
