package controlnet

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelforge/internal/compat"
	"panelforge/internal/models"
)

func newTestStack(backend *mockBackend, opts ...Option) *Stack {
	return NewStack(backend, compat.NewResolver(), opts...)
}

func control(ct models.ControlType, strength float64) models.ControlCondition {
	return models.ControlCondition{Type: ct, ImageRef: "ref.png", Strength: strength}
}

func TestGenerateValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("empty stack is rejected", func(t *testing.T) {
		backend := newMockBackend()
		result := newTestStack(backend).Generate(ctx, &GenerateRequest{Prompt: "a knight"})

		require.False(t, result.Success)
		assert.Equal(t, "at least one control condition is required", result.Error)
		assert.Empty(t, backend.generateCalls)
	})

	t.Run("more than five controls is rejected", func(t *testing.T) {
		backend := newMockBackend()
		controls := make([]models.ControlCondition, 6)
		for i := range controls {
			controls[i] = control(models.ControlCanny, 1.0)
		}
		result := newTestStack(backend).Generate(ctx, &GenerateRequest{Prompt: "p", Controls: controls})

		require.False(t, result.Success)
		assert.Equal(t, "maximum 5 control conditions allowed: more may cause quality degradation", result.Error)
		assert.Empty(t, backend.generateCalls)
	})

	t.Run("five controls is still allowed", func(t *testing.T) {
		backend := newMockBackend()
		controls := make([]models.ControlCondition, 5)
		for i := range controls {
			controls[i] = control(models.ControlCanny, 0.2)
		}
		result := newTestStack(backend).Generate(ctx, &GenerateRequest{Prompt: "p", Controls: controls})
		assert.True(t, result.Success)
	})

	t.Run("strength out of range", func(t *testing.T) {
		backend := newMockBackend()
		result := newTestStack(backend).Generate(ctx, &GenerateRequest{
			Prompt:   "p",
			Controls: []models.ControlCondition{control(models.ControlCanny, 2.5)},
		})

		require.False(t, result.Success)
		assert.Contains(t, result.Error, "out of range [0, 2]")
		assert.Empty(t, backend.generateCalls)
	})

	t.Run("missing image reference", func(t *testing.T) {
		backend := newMockBackend()
		result := newTestStack(backend).Generate(ctx, &GenerateRequest{
			Prompt:   "p",
			Controls: []models.ControlCondition{{Type: models.ControlDepth}},
		})

		require.False(t, result.Success)
		assert.Contains(t, result.Error, "image reference is required")
	})

	t.Run("end percent before start percent", func(t *testing.T) {
		backend := newMockBackend()
		result := newTestStack(backend).Generate(ctx, &GenerateRequest{
			Prompt: "p",
			Controls: []models.ControlCondition{{
				Type: models.ControlCanny, ImageRef: "ref.png",
				StartPercent: 0.8, EndPercent: 0.3,
			}},
		})

		require.False(t, result.Success)
		assert.Contains(t, result.Error, "before start percent")
	})

	t.Run("unknown control type", func(t *testing.T) {
		backend := newMockBackend()
		result := newTestStack(backend).Generate(ctx, &GenerateRequest{
			Prompt:   "p",
			Controls: []models.ControlCondition{{Type: "hologram", ImageRef: "ref.png"}},
		})

		require.False(t, result.Success)
		assert.Contains(t, result.Error, "unknown control type")
	})

	t.Run("incompatible control aborts before backend", func(t *testing.T) {
		backend := newMockBackend()
		result := newTestStack(backend).Generate(ctx, &GenerateRequest{
			Prompt: "p",
			Model:  "flux1-dev.safetensors",
			Controls: []models.ControlCondition{
				control(models.ControlCanny, 1.0),
				control(models.ControlTile, 0.5),
			},
		})

		require.False(t, result.Success)
		assert.Contains(t, result.Error, "not supported")
		assert.Empty(t, backend.generateCalls)
	})
}

func TestGenerateSingleControl(t *testing.T) {
	ctx := context.Background()
	backend := newMockBackend()
	stack := newTestStack(backend)

	result := stack.Generate(ctx, &GenerateRequest{
		Prompt: "a knight in the rain",
		Model:  "sd_xl_base_1.0.safetensors",
		Controls: []models.ControlCondition{
			{Type: models.ControlOpenPose, ImageRef: "pose.png"},
		},
	})

	require.True(t, result.Success)
	assert.False(t, result.Degraded)
	assert.Equal(t, models.ControlOpenPose, result.AppliedControl)
	assert.Empty(t, result.PromptHints)
	assert.Equal(t, "data/outputs/test.png", result.ImagePath)

	req := backend.lastGenerate()
	require.NotNil(t, req)
	require.NotNil(t, req.Control)
	assert.Equal(t, "a knight in the rain", req.Prompt)
	assert.Equal(t, "pose.png", req.Control.ImagePath)
	// Asset and preprocessor are auto-filled from the resolver.
	assert.Equal(t, "controlnet-union-sdxl-1.0-promax.safetensors", req.Control.Asset)
	assert.Equal(t, "openpose_full", req.Control.Preprocessor)
	// Zero strength means the 1.0 default.
	assert.Equal(t, 1.0, req.Control.Strength)
	assert.Equal(t, 1.0, req.Control.EndPercent)
}

func TestGenerateDegradedMode(t *testing.T) {
	ctx := context.Background()

	t.Run("extra controls become prompt hints", func(t *testing.T) {
		backend := newMockBackend()
		stack := newTestStack(backend)

		result := stack.Generate(ctx, &GenerateRequest{
			Prompt: "a duel at dawn",
			Controls: []models.ControlCondition{
				control(models.ControlOpenPose, 0.9),
				control(models.ControlDepth, 0.5),
				control(models.ControlLineart, 0.3),
			},
		})

		require.True(t, result.Success)
		assert.True(t, result.Degraded)
		assert.Equal(t, models.ControlOpenPose, result.AppliedControl)
		assert.Equal(t, []string{"proper depth", "clean lines"}, result.PromptHints)

		req := backend.lastGenerate()
		require.NotNil(t, req)
		// Only the first control reaches the backend.
		assert.Equal(t, "openpose", req.Control.Type)
		assert.Equal(t, "a duel at dawn, proper depth, clean lines", req.Prompt)
	})

	t.Run("refiner rewrites the prompt", func(t *testing.T) {
		backend := newMockBackend()
		refiner := &mockRefiner{result: "a duel at dawn with layered depth and crisp linework"}
		stack := newTestStack(backend, WithPromptRefiner(refiner))

		result := stack.Generate(ctx, &GenerateRequest{
			Prompt: "a duel at dawn",
			Controls: []models.ControlCondition{
				control(models.ControlOpenPose, 0.9),
				control(models.ControlDepth, 0.5),
			},
		})

		require.True(t, result.Success)
		assert.Equal(t, 1, refiner.calls)
		assert.Equal(t, refiner.result, backend.lastGenerate().Prompt)
	})

	t.Run("refiner failure falls back to appended hints", func(t *testing.T) {
		backend := newMockBackend()
		refiner := &mockRefiner{err: errors.New("llm down")}
		stack := newTestStack(backend, WithPromptRefiner(refiner))

		result := stack.Generate(ctx, &GenerateRequest{
			Prompt: "a duel at dawn",
			Controls: []models.ControlCondition{
				control(models.ControlOpenPose, 0.9),
				control(models.ControlDepth, 0.5),
			},
		})

		require.True(t, result.Success)
		assert.Equal(t, "a duel at dawn, proper depth", backend.lastGenerate().Prompt)
	})

	t.Run("single control never degrades", func(t *testing.T) {
		backend := newMockBackend()
		refiner := &mockRefiner{result: "should not be used"}
		stack := newTestStack(backend, WithPromptRefiner(refiner))

		result := stack.Generate(ctx, &GenerateRequest{
			Prompt:   "solo",
			Controls: []models.ControlCondition{control(models.ControlCanny, 0.7)},
		})

		require.True(t, result.Success)
		assert.False(t, result.Degraded)
		assert.Zero(t, refiner.calls)
		assert.Equal(t, "solo", backend.lastGenerate().Prompt)
	})
}

func TestGenerateBackendFailure(t *testing.T) {
	backend := newMockBackend()
	backend.generateErr = errors.New("backend exploded")
	stack := newTestStack(backend)

	result := stack.Generate(context.Background(), &GenerateRequest{
		Prompt:   "p",
		Controls: []models.ControlCondition{control(models.ControlCanny, 1.0)},
	})

	require.False(t, result.Success)
	assert.Equal(t, "backend exploded", result.Error)
}

func TestCalculateTotalInfluence(t *testing.T) {
	t.Run("moderate total has no warning", func(t *testing.T) {
		total, warning := CalculateTotalInfluence([]models.ControlCondition{
			control(models.ControlOpenPose, 0.85),
			control(models.ControlDepth, 0.5),
		})
		assert.InDelta(t, 1.35, total, 1e-9)
		assert.Empty(t, warning)
	})

	t.Run("high total warns", func(t *testing.T) {
		total, warning := CalculateTotalInfluence([]models.ControlCondition{
			control(models.ControlOpenPose, 1.0),
			control(models.ControlDepth, 0.7),
		})
		assert.InDelta(t, 1.7, total, 1e-9)
		assert.Contains(t, warning, "high total control influence")
		assert.NotContains(t, warning, "very high")
	})

	t.Run("very high total warns harder", func(t *testing.T) {
		total, warning := CalculateTotalInfluence([]models.ControlCondition{
			control(models.ControlOpenPose, 1.5),
			control(models.ControlDepth, 1.0),
		})
		assert.InDelta(t, 2.5, total, 1e-9)
		assert.Contains(t, warning, "very high total control influence")
	})

	t.Run("unset strengths count as 1.0", func(t *testing.T) {
		total, warning := CalculateTotalInfluence([]models.ControlCondition{
			{Type: models.ControlCanny, ImageRef: "a.png"},
			{Type: models.ControlDepth, ImageRef: "b.png"},
		})
		assert.InDelta(t, 2.0, total, 1e-9)
		assert.Contains(t, warning, "high")
	})

	t.Run("warning surfaces on the generate result", func(t *testing.T) {
		backend := newMockBackend()
		result := newTestStack(backend).Generate(context.Background(), &GenerateRequest{
			Prompt: "p",
			Controls: []models.ControlCondition{
				control(models.ControlOpenPose, 1.5),
				control(models.ControlDepth, 1.0),
			},
		})
		require.True(t, result.Success)
		require.NotEmpty(t, result.Warnings)
		assert.Contains(t, result.Warnings[len(result.Warnings)-1], "very high")
	})
}

func TestGenerateWithPreset(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown preset", func(t *testing.T) {
		backend := newMockBackend()
		result := newTestStack(backend).GenerateWithPreset(ctx, "no-such-preset", "ref.png", "p", nil)
		require.False(t, result.Success)
		assert.Contains(t, result.Error, "preset not found")
	})

	t.Run("preset expands to its controls", func(t *testing.T) {
		backend := newMockBackend()
		stack := newTestStack(backend)

		result := stack.GenerateWithPreset(ctx, "pose-depth", "panel1.png", "a chase scene", &PresetOptions{
			Model: "sd_xl_base_1.0.safetensors",
			Seed:  42,
		})

		require.True(t, result.Success)
		// Two controls: pose forwarded, depth degraded into a hint.
		assert.True(t, result.Degraded)
		assert.Equal(t, models.ControlOpenPose, result.AppliedControl)

		req := backend.lastGenerate()
		assert.Equal(t, int64(42), req.Seed)
		assert.Equal(t, "panel1.png", req.Control.ImagePath)
		assert.InDelta(t, 0.9, req.Control.Strength, 1e-9)
	})
}

func TestPreprocess(t *testing.T) {
	ctx := context.Background()

	t.Run("calls backend and caches", func(t *testing.T) {
		backend := newMockBackend()
		cache := newMapCache()
		stack := newTestStack(backend, WithPreprocessCache(cache))

		res := stack.Preprocess(ctx, "panel.png", models.ControlOpenPose, "out/pose.png")
		require.True(t, res.Success)
		assert.Equal(t, "out/pose.png", res.OutputPath)
		require.Len(t, backend.preprocessCalls, 1)
		assert.Equal(t, "openpose_full", backend.preprocessCalls[0].Preprocessor)

		// Second call hits the cache, backend untouched.
		res = stack.Preprocess(ctx, "panel.png", models.ControlOpenPose, "out/pose.png")
		require.True(t, res.Success)
		assert.Len(t, backend.preprocessCalls, 1)
		assert.Equal(t, 1, cache.hits)
	})

	t.Run("no preprocessor for unknown type", func(t *testing.T) {
		backend := newMockBackend()
		res := newTestStack(backend).Preprocess(ctx, "panel.png", models.ControlType("nonsense"), "out.png")
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "no preprocessor")
	})

	t.Run("backend failure is returned not retried", func(t *testing.T) {
		backend := newMockBackend()
		backend.preprocessErr = errors.New("preprocessor oom")
		res := newTestStack(backend).Preprocess(ctx, "panel.png", models.ControlDepth, "out.png")
		require.False(t, res.Success)
		assert.Equal(t, "preprocessor oom", res.Error)
		assert.Len(t, backend.preprocessCalls, 1)
	})
}

func TestPreprocessForStack(t *testing.T) {
	backend := newMockBackend()
	backend.failingPreproc = "depth_midas"
	stack := newTestStack(backend)

	result := stack.PreprocessForStack(context.Background(), "panel.png",
		[]models.ControlType{models.ControlOpenPose, models.ControlDepth, models.ControlCanny}, "out")

	// Depth is skipped with a reason; the batch still succeeds partially.
	assert.Len(t, result.Succeeded, 2)
	assert.Contains(t, result.Succeeded, models.ControlOpenPose)
	assert.Contains(t, result.Succeeded, models.ControlCanny)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, models.ControlDepth, result.Skipped[0].Type)
	assert.Contains(t, result.Skipped[0].Reason, "depth_midas")
}

func TestPresetCatalog(t *testing.T) {
	presets := ListPresets()
	require.NotEmpty(t, presets)

	seen := make(map[string]bool)
	for _, p := range presets {
		assert.False(t, seen[p.ID], "duplicate preset id %s", p.ID)
		seen[p.ID] = true
		assert.NotEmpty(t, p.Controls, p.ID)
		for _, c := range p.Controls {
			assert.GreaterOrEqual(t, c.DefaultStrength, 0.0)
			assert.LessOrEqual(t, c.DefaultStrength, 2.0)
		}
	}

	poseLock, ok := GetPreset("pose-lock")
	require.True(t, ok)
	require.Len(t, poseLock.Controls, 1)
	assert.Equal(t, models.ControlOpenPose, poseLock.Controls[0].Type)

	_, ok = GetPreset("missing")
	assert.False(t, ok)
}

func TestGetRecommendedStrength(t *testing.T) {
	rec := GetRecommendedStrength(models.ControlOpenPose)
	assert.GreaterOrEqual(t, rec.Default, rec.Min)
	assert.LessOrEqual(t, rec.Default, rec.Max)

	fallback := GetRecommendedStrength(models.ControlType("nonsense"))
	assert.Equal(t, 0.8, fallback.Default)
}
