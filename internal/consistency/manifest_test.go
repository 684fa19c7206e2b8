package consistency

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelforge/internal/models"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadChainManifest(t *testing.T) {
	path := writeManifest(t, `
model: sd_xl_base_1.0.safetensors
maintain:
  identity: true
  pose: true
continuity_strength: 0.9
panels:
  - id: p1
    prompt: a knight at the gate
    image: refs/p1.png
  - id: p2
    prompt: the knight draws a sword
  - id: p3
    prompt: the duel begins
    negative_prompt: blurry
`)

	m, err := LoadChainManifest(path)
	require.NoError(t, err)

	assert.Equal(t, "sd_xl_base_1.0.safetensors", m.Model)
	assert.True(t, m.Maintain.Identity)
	assert.True(t, m.Maintain.Pose)
	assert.InDelta(t, 0.9, m.ContinuityStrength, 1e-9)

	require.Len(t, m.Panels, 3)
	assert.Equal(t, "refs/p1.png", m.Panels[0].Image)
	assert.Empty(t, m.Panels[1].Image)
	assert.Equal(t, "blurry", m.Panels[2].NegativePrompt)
}

func TestLoadChainManifestValidation(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadChainManifest(filepath.Join(t.TempDir(), "ghost.yaml"))
		assert.Error(t, err)
	})

	cases := []struct {
		name    string
		content string
		errHint string
	}{
		{
			name: "fewer than two panels",
			content: `
maintain: {pose: true}
panels:
  - {id: p1, prompt: a, image: out/p1.png}
`,
			errHint: "at least two panels",
		},
		{
			name: "nothing to maintain",
			content: `
panels:
  - {id: p1, prompt: a, image: out/p1.png}
  - {id: p2, prompt: b}
`,
			errHint: "nothing to maintain",
		},
		{
			name: "duplicate panel ids",
			content: `
maintain: {pose: true}
panels:
  - {id: p1, prompt: a, image: out/p1.png}
  - {id: p1, prompt: b}
`,
			errHint: "duplicate panel id",
		},
		{
			name: "panel without a prompt",
			content: `
maintain: {pose: true}
panels:
  - {id: p1, prompt: a, image: out/p1.png}
  - {id: p2}
`,
			errHint: "missing a prompt",
		},
		{
			name: "first panel without an image",
			content: `
maintain: {pose: true}
panels:
  - {id: p1, prompt: a}
  - {id: p2, prompt: b}
`,
			errHint: "needs an image",
		},
		{
			name: "strength out of range",
			content: `
maintain: {pose: true}
continuity_strength: 2.4
panels:
  - {id: p1, prompt: a, image: out/p1.png}
  - {id: p2, prompt: b}
`,
			errHint: "out of range",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadChainManifest(writeManifest(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errHint)
		})
	}
}

func TestRunManifest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	m := &ChainManifest{
		Maintain: models.MaintainFlags{Pose: true},
		Panels: []ManifestPanel{
			{ID: "p1", Prompt: "a knight at the gate", Image: "refs/p1.png"},
			{ID: "p2", Prompt: "the knight draws a sword"},
			{ID: "p3", Prompt: "the duel begins"},
		},
	}

	result, err := env.svc.RunManifest(ctx, m)
	require.NoError(t, err)

	require.Len(t, result.Results, 2)
	assert.Equal(t, 2, result.SuccessCount)

	// The declared image is the first panel's selected output; later panels
	// got theirs from the chain.
	assert.Equal(t, "refs/p1.png", env.panels.selectedPath("p1"))
	assert.Equal(t, "manifest", env.panels.selectedSource("p1"))
	assert.NotEmpty(t, env.panels.selectedPath("p2"))
	assert.Equal(t, "chain", env.panels.selectedSource("p3"))
}
