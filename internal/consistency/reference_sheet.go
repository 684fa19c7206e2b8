package consistency

import (
	"context"
	"fmt"
	"log"

	"panelforge/internal/interfaces"
)

// canonicalPoses is the fixed pose set reference sheets cycle through.
var canonicalPoses = []string{
	"standing, front view, neutral expression, full body",
	"three-quarter view, relaxed stance, full body",
	"side profile, standing, full body",
	"back view, standing, full body",
	"sitting, three-quarter view",
	"dynamic action pose, mid-motion",
}

// ReferenceSheetRequest asks for a character sheet of an identity.
type ReferenceSheetRequest struct {
	IdentityID string `json:"identity_id"`
	PoseCount  int    `json:"pose_count,omitempty"`
	OutputDir  string `json:"output_dir,omitempty"`
	Model      string `json:"model,omitempty"`
}

// ReferenceSheetResult is the discriminated outcome of a sheet run.
type ReferenceSheetResult struct {
	Success bool     `json:"success"`
	Images  []string `json:"images,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// GenerateReferenceSheet renders the identity across up to PoseCount
// canonical poses for character-sheet review. Each pose is an independent
// identity application; failed poses are skipped, and the sheet fails only
// when every pose fails.
func (s *Service) GenerateReferenceSheet(ctx context.Context, req *ReferenceSheetRequest) *ReferenceSheetResult {
	identity, ok := s.store.Get(ctx, req.IdentityID)
	if !ok {
		return &ReferenceSheetResult{Success: false, Error: fmt.Sprintf("identity %s not found", req.IdentityID)}
	}

	poseCount := req.PoseCount
	if poseCount <= 0 || poseCount > len(canonicalPoses) {
		poseCount = len(canonicalPoses)
	}

	strength := adapterDefaultStrength(identity.AdapterModel)

	var images []string
	for i := 0; i < poseCount; i++ {
		resp, err := s.backend.GenerateImage(ctx, &interfaces.ImageRequest{
			Prompt: fmt.Sprintf("character reference sheet, %s, %s", identity.Name, canonicalPoses[i]),
			Model:  req.Model,
			Reference: &interfaces.ReferenceInput{
				Images:       identity.ReferenceImages,
				Embedding:    identity.Embedding,
				AdapterModel: identity.AdapterModel,
				Strength:     strength,
			},
		})
		if err != nil {
			log.Printf("[Consistency] reference sheet pose %d failed: %v", i+1, err)
			continue
		}
		images = append(images, resp.ImagePath)
		if _, err := s.store.IncrementUsage(ctx, identity.ID); err != nil {
			log.Printf("[Consistency] usage count increment failed for %s: %v", identity.ID, err)
		}
	}

	if len(images) == 0 {
		return &ReferenceSheetResult{Success: false, Error: "all reference sheet poses failed"}
	}

	return &ReferenceSheetResult{Success: true, Images: images}
}
