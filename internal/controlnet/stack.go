package controlnet

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"path/filepath"

	"panelforge/internal/compat"
	"panelforge/internal/interfaces"
	"panelforge/internal/models"
)

const (
	// MaxControls bounds the number of simultaneous conditioning signals
	// in one generation request.
	MaxControls = 5

	// Influence bands for CalculateTotalInfluence.
	influenceHigh     = 1.5
	influenceVeryHigh = 2.0
)

// PreprocessCache is an optional cache of preprocessed control maps keyed by
// source image and control type.
type PreprocessCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, outputPath string)
}

// PromptRefiner optionally rewrites a prompt plus degraded-mode hints into a
// single fluent prompt. Refiner failures fall back to plain hint appending.
type PromptRefiner interface {
	Refine(ctx context.Context, prompt string, hints []string) (string, error)
}

// Stack builds and validates a bounded set of simultaneous conditioning
// signals for one generation request and delegates to the backend.
type Stack struct {
	backend  interfaces.Backend
	resolver *compat.Resolver
	cache    PreprocessCache
	refiner  PromptRefiner
}

// Option configures optional stack collaborators.
type Option func(*Stack)

// WithPreprocessCache attaches a preprocess result cache.
func WithPreprocessCache(cache PreprocessCache) Option {
	return func(s *Stack) { s.cache = cache }
}

// WithPromptRefiner attaches a degraded-mode prompt refiner.
func WithPromptRefiner(refiner PromptRefiner) Option {
	return func(s *Stack) { s.refiner = refiner }
}

// NewStack creates a control stack over a backend and resolver.
func NewStack(backend interfaces.Backend, resolver *compat.Resolver, opts ...Option) *Stack {
	s := &Stack{backend: backend, resolver: resolver}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateRequest is one stacked generation request.
type GenerateRequest struct {
	Prompt         string                    `json:"prompt"`
	NegativePrompt string                    `json:"negative_prompt,omitempty"`
	Controls       []models.ControlCondition `json:"controls"`
	Model          string                    `json:"model,omitempty"`
	Seed           int64                     `json:"seed,omitempty"`
	Steps          int                       `json:"steps,omitempty"`
	CFGScale       float64                   `json:"cfg_scale,omitempty"`
	Width          int                       `json:"width,omitempty"`
	Height         int                       `json:"height,omitempty"`

	// Reference rides the same backend call as the primary control; pose
	// and identity continuity are orthogonal conditioning signals.
	Reference *ReferenceSpec `json:"reference,omitempty"`
}

// ReferenceSpec is optional identity/reference conditioning for the request.
type ReferenceSpec struct {
	Images       []string `json:"images,omitempty"`
	Embedding    string   `json:"embedding,omitempty"`
	AdapterModel string   `json:"adapter_model,omitempty"`
	Strength     float64  `json:"strength,omitempty"`
}

// GenerateResult is the discriminated outcome of a stacked generation call.
// Expected failures are returned here, never panicked.
type GenerateResult struct {
	Success        bool               `json:"success"`
	ImagePath      string             `json:"image_path,omitempty"`
	Seed           int64              `json:"seed,omitempty"`
	Degraded       bool               `json:"degraded"`
	AppliedControl models.ControlType `json:"applied_control,omitempty"`
	PromptHints    []string           `json:"prompt_hints,omitempty"`
	Warnings       []string           `json:"warnings,omitempty"`
	Error          string             `json:"error,omitempty"`
}

func failure(format string, args ...interface{}) *GenerateResult {
	return &GenerateResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Generate validates the control stack and issues one backend generation
// call. Validation runs entirely before any external call: a request that is
// already known to be invalid never consumes backend resources.
//
// The backend accepts a single conditioning image per call. With more than
// one control the stack enters a documented degraded mode: the first control
// is forwarded as real conditioning and the remaining modalities become
// natural-language prompt hints. The result flags this via Degraded,
// AppliedControl and PromptHints so callers can react instead of silently
// trusting joint conditioning that never happened.
func (s *Stack) Generate(ctx context.Context, req *GenerateRequest) *GenerateResult {
	if len(req.Controls) == 0 {
		return failure("at least one control condition is required")
	}
	if len(req.Controls) > MaxControls {
		return failure("maximum %d control conditions allowed: more may cause quality degradation", MaxControls)
	}

	var warnings []string
	controls := make([]models.ControlCondition, len(req.Controls))
	copy(controls, req.Controls)

	for i := range controls {
		if err := validateCondition(controls[i]); err != nil {
			return failure("control %d (%s): %v", i+1, controls[i].Type, err)
		}

		if req.Model == "" {
			continue
		}

		// First incompatible control aborts the whole request: a stack with
		// an unsatisfiable member is semantically invalid as a unit.
		res := s.resolver.ResolveControlNet(req.Model, controls[i].Type)
		if !res.Compatible {
			return failure("%s", res.Error)
		}
		warnings = append(warnings, res.Warnings...)
		if controls[i].ControlNetAsset == "" {
			controls[i].ControlNetAsset = res.ControlNetAsset
		}
		if controls[i].Preprocessor == "" {
			controls[i].Preprocessor = res.Preprocessor
		}
	}

	if _, warn := CalculateTotalInfluence(controls); warn != "" {
		warnings = append(warnings, warn)
	}

	primary := controls[0]
	prompt := req.Prompt
	var hints []string

	degraded := len(controls) > 1
	if degraded {
		hints = hintsFor(controls[1:])
		prompt = s.foldHints(ctx, req.Prompt, hints)
		log.Printf("[ControlNetStack] degraded mode: applying %s, folding %d control(s) into prompt hints",
			primary.Type, len(controls)-1)
	}

	backendReq := &interfaces.ImageRequest{
		Prompt:         prompt,
		NegativePrompt: req.NegativePrompt,
		Model:          req.Model,
		Seed:           req.Seed,
		Steps:          req.Steps,
		CFGScale:       req.CFGScale,
		Width:          req.Width,
		Height:         req.Height,
		Control: &interfaces.ControlInput{
			Type:         string(primary.Type),
			ImagePath:    primary.ImageRef,
			Asset:        primary.ControlNetAsset,
			Preprocessor: primary.Preprocessor,
			Strength:     primary.EffectiveStrength(),
			StartPercent: primary.StartPercent,
			EndPercent:   primary.EffectiveEndPercent(),
			Preprocessed: primary.RawControlImage,
		},
	}
	if req.Reference != nil {
		backendReq.Reference = &interfaces.ReferenceInput{
			Images:       req.Reference.Images,
			Embedding:    req.Reference.Embedding,
			AdapterModel: req.Reference.AdapterModel,
			Strength:     req.Reference.Strength,
		}
	}

	resp, err := s.backend.GenerateImage(ctx, backendReq)
	if err != nil {
		// Backend failures pass through verbatim.
		return &GenerateResult{Success: false, Warnings: warnings, Error: err.Error()}
	}

	return &GenerateResult{
		Success:        true,
		ImagePath:      resp.ImagePath,
		Seed:           resp.Seed,
		Degraded:       degraded,
		AppliedControl: primary.Type,
		PromptHints:    hints,
		Warnings:       warnings,
	}
}

// GenerateWithPreset expands a named preset, applying the same reference
// image to every expanded control, then delegates to Generate.
func (s *Stack) GenerateWithPreset(ctx context.Context, presetID, referenceImage, prompt string, opts *PresetOptions) *GenerateResult {
	preset, ok := GetPreset(presetID)
	if !ok {
		return failure("preset not found: %s", presetID)
	}

	controls := make([]models.ControlCondition, 0, len(preset.Controls))
	for _, pc := range preset.Controls {
		controls = append(controls, models.ControlCondition{
			Type:     pc.Type,
			ImageRef: referenceImage,
			Strength: pc.DefaultStrength,
		})
	}

	req := &GenerateRequest{
		Prompt:   prompt,
		Controls: controls,
	}
	if opts != nil {
		req.NegativePrompt = opts.NegativePrompt
		req.Model = opts.Model
		req.Seed = opts.Seed
		req.Steps = opts.Steps
		req.CFGScale = opts.CFGScale
		req.Width = opts.Width
		req.Height = opts.Height
	}

	return s.Generate(ctx, req)
}

// PresetOptions carries the per-request knobs of a preset generation.
type PresetOptions struct {
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Model          string  `json:"model,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CFGScale       float64 `json:"cfg_scale,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
}

// foldHints merges degraded-mode hints into the prompt, through the refiner
// when one is configured.
func (s *Stack) foldHints(ctx context.Context, prompt string, hints []string) string {
	if len(hints) == 0 {
		return prompt
	}
	if s.refiner != nil {
		refined, err := s.refiner.Refine(ctx, prompt, hints)
		if err == nil && refined != "" {
			return refined
		}
		if err != nil {
			log.Printf("[ControlNetStack] prompt refiner failed, appending hints verbatim: %v", err)
		}
	}
	return appendHints(prompt, hints)
}

// validateCondition range-checks one control condition.
func validateCondition(c models.ControlCondition) error {
	if _, ok := models.ParseControlType(string(c.Type)); !ok {
		return fmt.Errorf("unknown control type")
	}
	if c.ImageRef == "" {
		return fmt.Errorf("image reference is required")
	}
	if c.Strength < 0 || c.Strength > 2 {
		return fmt.Errorf("strength %.2f out of range [0, 2]", c.Strength)
	}
	if c.StartPercent < 0 || c.StartPercent > 1 {
		return fmt.Errorf("start percent %.2f out of range [0, 1]", c.StartPercent)
	}
	if c.EndPercent < 0 || c.EndPercent > 1 {
		return fmt.Errorf("end percent %.2f out of range [0, 1]", c.EndPercent)
	}
	if c.EndPercent != 0 && c.EndPercent < c.StartPercent {
		return fmt.Errorf("end percent %.2f before start percent %.2f", c.EndPercent, c.StartPercent)
	}
	return nil
}

// CalculateTotalInfluence sums effective strengths over the stack and
// returns a warning when the total risks quality problems. An empty warning
// means the total is fine.
func CalculateTotalInfluence(controls []models.ControlCondition) (float64, string) {
	var total float64
	for _, c := range controls {
		total += c.EffectiveStrength()
	}

	switch {
	case total > influenceVeryHigh:
		return total, fmt.Sprintf("very high total control influence (%.2f): may cause artifacts, reduce strengths", total)
	case total > influenceHigh:
		return total, fmt.Sprintf("high total control influence (%.2f): controls may fight each other", total)
	default:
		return total, ""
	}
}

// preprocessCacheKey derives a stable cache key for a (source image, control
// type) pair.
func preprocessCacheKey(image string, ct models.ControlType) string {
	hash := md5.Sum([]byte(image + "|" + string(ct)))
	return "preprocess:" + hex.EncodeToString(hash[:])
}

// PreprocessResult is the discriminated outcome of one preprocessing call.
type PreprocessResult struct {
	Success    bool   `json:"success"`
	OutputPath string `json:"output_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Preprocess derives one control map from an image. A failed call is
// returned, not retried.
func (s *Stack) Preprocess(ctx context.Context, image string, ct models.ControlType, outputPath string) *PreprocessResult {
	key := preprocessCacheKey(image, ct)
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, key); ok {
			return &PreprocessResult{Success: true, OutputPath: cached}
		}
	}

	preprocessor := compat.DefaultPreprocessor(ct)
	if preprocessor == "" {
		return &PreprocessResult{Success: false, Error: fmt.Sprintf("control type %q has no preprocessor", ct)}
	}

	resp, err := s.backend.Preprocess(ctx, &interfaces.PreprocessRequest{
		ImagePath:    image,
		Preprocessor: preprocessor,
		OutputPath:   outputPath,
	})
	if err != nil {
		return &PreprocessResult{Success: false, Error: err.Error()}
	}

	if s.cache != nil {
		s.cache.Set(ctx, key, resp.OutputPath)
	}
	return &PreprocessResult{Success: true, OutputPath: resp.OutputPath}
}

// SkippedPreprocess names one control type a batch preprocess skipped and
// why.
type SkippedPreprocess struct {
	Type   models.ControlType `json:"type"`
	Reason string             `json:"reason"`
}

// BatchPreprocessResult is the explicit partial outcome of a batch
// preprocess: succeeded maps plus the skipped types with reasons, so callers
// decide whether a partial batch is acceptable.
type BatchPreprocessResult struct {
	Succeeded map[models.ControlType]string `json:"succeeded"`
	Skipped   []SkippedPreprocess           `json:"skipped,omitempty"`
}

// PreprocessForStack preprocesses one image for several control types
// sequentially. A failed type is skipped, never fatal for the batch.
func (s *Stack) PreprocessForStack(ctx context.Context, image string, types []models.ControlType, outputDir string) *BatchPreprocessResult {
	result := &BatchPreprocessResult{
		Succeeded: make(map[models.ControlType]string, len(types)),
	}

	for _, ct := range types {
		outputPath := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", ct, shortHash(image)))
		res := s.Preprocess(ctx, image, ct, outputPath)
		if !res.Success {
			log.Printf("[ControlNetStack] preprocess %s skipped: %s", ct, res.Error)
			result.Skipped = append(result.Skipped, SkippedPreprocess{Type: ct, Reason: res.Error})
			continue
		}
		result.Succeeded[ct] = res.OutputPath
	}

	return result
}

func shortHash(s string) string {
	hash := md5.Sum([]byte(s))
	return hex.EncodeToString(hash[:4])
}
