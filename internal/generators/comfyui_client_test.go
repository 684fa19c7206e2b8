package generators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelforge/internal/interfaces"
)

func testClient() *ComfyUIClient {
	return NewComfyUIClient(ComfyUIConfig{BaseURL: "http://comfy.test:8188"})
}

func nodeByClass(t *testing.T, w Workflow, classType string) *WorkflowNode {
	t.Helper()
	for _, node := range w {
		if node.ClassType == classType {
			return node
		}
	}
	t.Fatalf("workflow has no %s node", classType)
	return nil
}

func TestBuildWorkflowCore(t *testing.T) {
	c := testClient()

	w, err := c.buildWorkflow(context.Background(), &interfaces.ImageRequest{
		Prompt:         "a city at dusk",
		NegativePrompt: "blurry",
		Model:          "sd_xl_base_1.0.safetensors",
		Seed:           1234,
		Steps:          20,
		CFGScale:       6.5,
		Width:          832,
		Height:         1216,
	})
	require.NoError(t, err)

	ckpt := nodeByClass(t, w, "CheckpointLoaderSimple")
	assert.Equal(t, "sd_xl_base_1.0.safetensors", ckpt.Inputs["ckpt_name"])

	latent := nodeByClass(t, w, "EmptyLatentImage")
	assert.Equal(t, 832, latent.Inputs["width"])
	assert.Equal(t, 1216, latent.Inputs["height"])

	sampler := nodeByClass(t, w, "KSampler")
	assert.Equal(t, int64(1234), sampler.Inputs["seed"])
	assert.Equal(t, 20, sampler.Inputs["steps"])
	assert.Equal(t, 6.5, sampler.Inputs["cfg"])

	// Plain request carries no conditioning branches.
	for _, class := range []string{"ControlNetLoader", "ControlNetApplyAdvanced", "IPAdapterAdvanced"} {
		for _, node := range w {
			assert.NotEqual(t, class, node.ClassType)
		}
	}

	nodeByClass(t, w, "VAEDecode")
	nodeByClass(t, w, "SaveImage")
}

func TestBuildWorkflowDefaults(t *testing.T) {
	c := testClient()

	w, err := c.buildWorkflow(context.Background(), &interfaces.ImageRequest{Prompt: "p"})
	require.NoError(t, err)

	latent := nodeByClass(t, w, "EmptyLatentImage")
	assert.Equal(t, 1024, latent.Inputs["width"])
	assert.Equal(t, 1024, latent.Inputs["height"])

	sampler := nodeByClass(t, w, "KSampler")
	assert.Equal(t, 30, sampler.Inputs["steps"])
	assert.Equal(t, 7.0, sampler.Inputs["cfg"])
}

func TestBuildWorkflowControlBranch(t *testing.T) {
	c := testClient()

	t.Run("raw control map skips the preprocessor", func(t *testing.T) {
		w, err := c.buildWorkflow(context.Background(), &interfaces.ImageRequest{
			Prompt: "p",
			Control: &interfaces.ControlInput{
				Type:         "openpose",
				ImagePath:    "pose_map.png", // not a local file, used verbatim
				Asset:        "controlnet-union-sdxl-1.0-promax.safetensors",
				Preprocessor: "openpose_full",
				Strength:     0.8,
				Preprocessed: true,
			},
		})
		require.NoError(t, err)

		loader := nodeByClass(t, w, "ControlNetLoader")
		assert.Equal(t, "controlnet-union-sdxl-1.0-promax.safetensors", loader.Inputs["control_net_name"])

		apply := nodeByClass(t, w, "ControlNetApplyAdvanced")
		assert.Equal(t, 0.8, apply.Inputs["strength"])
		assert.Equal(t, 1.0, apply.Inputs["end_percent"])

		for _, node := range w {
			assert.NotEqual(t, "AIO_Preprocessor", node.ClassType)
		}

		// Sampler conditioning is rerouted through the controlnet node.
		sampler := nodeByClass(t, w, "KSampler")
		assert.Equal(t, link(14, 0), sampler.Inputs["positive"])
		assert.Equal(t, link(14, 1), sampler.Inputs["negative"])
	})

	t.Run("unprocessed control runs through the preprocessor", func(t *testing.T) {
		w, err := c.buildWorkflow(context.Background(), &interfaces.ImageRequest{
			Prompt: "p",
			Control: &interfaces.ControlInput{
				Type:         "canny",
				ImagePath:    "sketch.png",
				Asset:        "control_v11p_sd15_canny.pth",
				Preprocessor: "canny",
				Strength:     1.0,
			},
		})
		require.NoError(t, err)

		pre := nodeByClass(t, w, "AIO_Preprocessor")
		assert.Equal(t, "canny", pre.Inputs["preprocessor"])

		apply := nodeByClass(t, w, "ControlNetApplyAdvanced")
		assert.Equal(t, link(12, 0), apply.Inputs["image"])
	})
}

func TestBuildWorkflowReferenceOnlyControl(t *testing.T) {
	c := testClient()

	w, err := c.buildWorkflow(context.Background(), &interfaces.ImageRequest{
		Prompt: "p",
		Control: &interfaces.ControlInput{
			Type:         "reference",
			ImagePath:    "style.png",
			Asset:        "",
			Preprocessor: "reference_only",
			Strength:     0.9,
		},
	})
	require.NoError(t, err)

	// No ControlNet nodes: there are no weights to load for this type.
	for _, node := range w {
		assert.NotEqual(t, "ControlNetLoader", node.ClassType)
		assert.NotEqual(t, "ControlNetApplyAdvanced", node.ClassType)
		assert.NotEqual(t, "AIO_Preprocessor", node.ClassType)
	}

	adapter := nodeByClass(t, w, "IPAdapterAdvanced")
	assert.Equal(t, 0.9, adapter.Inputs["weight"])
	assert.Equal(t, "style transfer", adapter.Inputs["weight_type"])
	assert.Equal(t, 1.0, adapter.Inputs["end_at"])

	// The sampler's model is rerouted; the text conditioning stays put.
	sampler := nodeByClass(t, w, "KSampler")
	assert.Equal(t, link(13, 0), sampler.Inputs["model"])
	assert.Equal(t, link(6, 0), sampler.Inputs["positive"])
	assert.Equal(t, link(7, 0), sampler.Inputs["negative"])

	t.Run("stacks with an identity reference", func(t *testing.T) {
		w, err := c.buildWorkflow(context.Background(), &interfaces.ImageRequest{
			Prompt: "p",
			Control: &interfaces.ControlInput{
				Type:         "reference",
				ImagePath:    "style.png",
				Preprocessor: "reference_only",
				Strength:     0.9,
			},
			Reference: &interfaces.ReferenceInput{Embedding: "ipref:face.png"},
		})
		require.NoError(t, err)

		// The identity loader chains behind the reference-only adapter, and
		// the sampler takes the last adapter in the chain.
		require.NotNil(t, w[20])
		assert.Equal(t, link(13, 0), w[20].Inputs["model"])
		assert.Equal(t, link(22, 0), w[3].Inputs["model"])
	})
}

func TestBuildWorkflowReferenceBranch(t *testing.T) {
	c := testClient()

	t.Run("embedding token expands to server-side images", func(t *testing.T) {
		w, err := c.buildWorkflow(context.Background(), &interfaces.ImageRequest{
			Prompt: "p",
			Reference: &interfaces.ReferenceInput{
				Embedding:    "ipref:ref_a.png;ref_b.png",
				AdapterModel: "ip-adapter-plus_sdxl",
				Strength:     0.7,
			},
		})
		require.NoError(t, err)

		loads := 0
		batches := 0
		for _, node := range w {
			switch node.ClassType {
			case "LoadImage":
				loads++
			case "ImageBatch":
				batches++
			}
		}
		assert.Equal(t, 2, loads)
		assert.Equal(t, 1, batches)

		adapter := nodeByClass(t, w, "IPAdapterAdvanced")
		assert.Equal(t, 0.7, adapter.Inputs["weight"])

		unified := nodeByClass(t, w, "IPAdapterUnifiedLoader")
		assert.Equal(t, "PLUS (high strength)", unified.Inputs["preset"])
	})

	t.Run("faceid adapters pick the face preset", func(t *testing.T) {
		w, err := c.buildWorkflow(context.Background(), &interfaces.ImageRequest{
			Prompt: "p",
			Reference: &interfaces.ReferenceInput{
				Embedding:    "ipref:face.png",
				AdapterModel: "ip-adapter-faceid-plusv2_sdxl",
			},
		})
		require.NoError(t, err)

		unified := nodeByClass(t, w, "IPAdapterUnifiedLoader")
		assert.Equal(t, "FACEID PLUS V2", unified.Inputs["preset"])

		// Unset strength falls back to 0.7.
		adapter := nodeByClass(t, w, "IPAdapterAdvanced")
		assert.Equal(t, 0.7, adapter.Inputs["weight"])
	})

	t.Run("empty reference is rejected", func(t *testing.T) {
		_, err := c.buildWorkflow(context.Background(), &interfaces.ImageRequest{
			Prompt:    "p",
			Reference: &interfaces.ReferenceInput{},
		})
		assert.Error(t, err)
	})
}

func TestExtractEmbeddingToken(t *testing.T) {
	c := testClient()

	resp, err := c.ExtractEmbedding(context.Background(), &interfaces.EmbeddingRequest{
		Images: []string{"missing_a.png", "missing_b.png"}, // not local files, used verbatim
	})
	require.NoError(t, err)
	assert.Equal(t, "ipref:missing_a.png;missing_b.png", resp.Embedding)

	_, err = c.ExtractEmbedding(context.Background(), &interfaces.EmbeddingRequest{})
	assert.Error(t, err)
}

func TestAdapterPreset(t *testing.T) {
	assert.Equal(t, "PLUS (high strength)", adapterPreset("ip-adapter-plus_sdxl"))
	assert.Equal(t, "FACEID PLUS V2", adapterPreset("ip-adapter-faceid-plusv2_sdxl"))
	assert.Equal(t, "FACEID PORTRAIT (style transfer)", adapterPreset("instantid_sdxl"))
	assert.Equal(t, "PLUS (high strength)", adapterPreset(""))
}
