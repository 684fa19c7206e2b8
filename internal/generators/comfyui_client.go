package generators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"panelforge/internal/interfaces"
)

const (
	defaultComfyBaseURL = "http://localhost:8188"
	defaultTimeout      = 300 * time.Second
	pollInterval        = 1 * time.Second
	maxPollAttempts     = 300 // 5 minutes max wait time

	// embeddingTokenPrefix marks the opaque embedding tokens this client
	// hands out: a list of server-side reference image names.
	embeddingTokenPrefix = "ipref:"
)

// ComfyUIConfig configures the ComfyUI backend client.
type ComfyUIConfig struct {
	BaseURL   string
	Timeout   time.Duration
	OutputDir string
}

// ComfyUIClient talks to a ComfyUI instance and implements the generation
// backend contract: plain, ControlNet-conditioned and reference-conditioned
// synthesis plus image preprocessing.
type ComfyUIClient struct {
	httpClient *http.Client
	baseURL    string
	outputDir  string
	clientID   string
}

// Workflow is a ComfyUI node graph keyed by node id.
type Workflow map[int]*WorkflowNode

// WorkflowNode represents a node in the workflow.
type WorkflowNode struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// link references another node's output slot.
func link(node, slot int) []interface{} {
	return []interface{}{fmt.Sprintf("%d", node), slot}
}

// promptRequest is the body of a /prompt call.
type promptRequest struct {
	Prompt   Workflow `json:"prompt"`
	ClientID string   `json:"client_id"`
}

// queueResponse represents the queue status.
type queueResponse struct {
	QueueRunning []json.RawMessage `json:"queue_running"`
	QueuePending []json.RawMessage `json:"queue_pending"`
}

// historyOutputs is the slice of a /history entry this client reads.
type historyOutputs struct {
	Outputs map[string]struct {
		Images []imageInfo `json:"images"`
	} `json:"outputs"`
}

type imageInfo struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NewComfyUIClient creates a new ComfyUI client.
func NewComfyUIClient(cfg ComfyUIConfig) *ComfyUIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultComfyBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "data/outputs"
	}

	return &ComfyUIClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		outputDir:  outputDir,
		clientID:   fmt.Sprintf("panelforge_%d", time.Now().UnixNano()),
	}
}

// GenerateImage builds a workflow from the request, queues it, waits for
// completion and downloads the produced image.
func (c *ComfyUIClient) GenerateImage(ctx context.Context, req *interfaces.ImageRequest) (*interfaces.ImageResponse, error) {
	start := time.Now()

	workflow, err := c.buildWorkflow(ctx, req)
	if err != nil {
		return nil, err
	}

	promptID, err := c.queuePrompt(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to queue prompt: %w", err)
	}

	if err := c.waitForCompletion(ctx, promptID); err != nil {
		return nil, err
	}

	localPath, err := c.downloadResult(ctx, promptID, "")
	if err != nil {
		return nil, err
	}

	return &interfaces.ImageResponse{
		ImagePath:      localPath,
		Seed:           req.Seed,
		GenerationTime: time.Since(start).Milliseconds(),
	}, nil
}

// Preprocess runs a single preprocessor node over the image and stores the
// control map at the requested output path.
func (c *ComfyUIClient) Preprocess(ctx context.Context, req *interfaces.PreprocessRequest) (*interfaces.PreprocessResponse, error) {
	uploaded, err := c.ensureUploaded(ctx, req.ImagePath)
	if err != nil {
		return nil, err
	}

	resolution := req.Resolution
	if resolution == 0 {
		resolution = 512
	}

	workflow := Workflow{
		1: {
			ClassType: "LoadImage",
			Inputs:    map[string]interface{}{"image": uploaded},
		},
		2: {
			ClassType: "AIO_Preprocessor",
			Inputs: map[string]interface{}{
				"preprocessor": req.Preprocessor,
				"resolution":   resolution,
				"image":        link(1, 0),
			},
		},
		3: {
			ClassType: "SaveImage",
			Inputs: map[string]interface{}{
				"images":          link(2, 0),
				"filename_prefix": "panelforge_pre",
			},
		},
	}

	promptID, err := c.queuePrompt(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to queue preprocess: %w", err)
	}
	if err := c.waitForCompletion(ctx, promptID); err != nil {
		return nil, err
	}

	localPath, err := c.downloadResult(ctx, promptID, req.OutputPath)
	if err != nil {
		return nil, err
	}

	return &interfaces.PreprocessResponse{OutputPath: localPath}, nil
}

// ExtractEmbedding uploads the reference images and returns an opaque token
// naming them server-side. The IP-Adapter nodes consume the uploaded images
// directly at generation time, so the token is a handle, not a vector.
func (c *ComfyUIClient) ExtractEmbedding(ctx context.Context, req *interfaces.EmbeddingRequest) (*interfaces.EmbeddingResponse, error) {
	if len(req.Images) == 0 {
		return nil, fmt.Errorf("no reference images given")
	}

	names := make([]string, 0, len(req.Images))
	for _, image := range req.Images {
		uploaded, err := c.ensureUploaded(ctx, image)
		if err != nil {
			return nil, err
		}
		names = append(names, uploaded)
	}

	return &interfaces.EmbeddingResponse{
		Embedding: embeddingTokenPrefix + strings.Join(names, ";"),
	}, nil
}

// GetStatus reports queue depth and availability.
func (c *ComfyUIClient) GetStatus(ctx context.Context) (*interfaces.GeneratorStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &interfaces.GeneratorStatus{IsAvailable: false, LastError: err.Error()}, nil
	}
	defer resp.Body.Close()

	var queue queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&queue); err != nil {
		return &interfaces.GeneratorStatus{IsAvailable: false, LastError: err.Error()}, nil
	}

	return &interfaces.GeneratorStatus{
		IsAvailable: true,
		QueueSize:   len(queue.QueueRunning) + len(queue.QueuePending),
	}, nil
}

// buildWorkflow assembles the node graph for one generation request:
// checkpoint + sampler core, an optional ControlNet branch and an optional
// IP-Adapter reference branch.
func (c *ComfyUIClient) buildWorkflow(ctx context.Context, req *interfaces.ImageRequest) (Workflow, error) {
	width, height := req.Width, req.Height
	if width == 0 {
		width = 1024
	}
	if height == 0 {
		height = 1024
	}
	steps := req.Steps
	if steps == 0 {
		steps = 30
	}
	cfg := req.CFGScale
	if cfg == 0 {
		cfg = 7.0
	}

	workflow := Workflow{
		4: {
			ClassType: "CheckpointLoaderSimple",
			Inputs:    map[string]interface{}{"ckpt_name": req.Model},
		},
		5: {
			ClassType: "EmptyLatentImage",
			Inputs: map[string]interface{}{
				"width":      width,
				"height":     height,
				"batch_size": 1,
			},
		},
		6: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": req.Prompt,
				"clip": link(4, 1),
			},
		},
		7: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": req.NegativePrompt,
				"clip": link(4, 1),
			},
		},
		3: {
			ClassType: "KSampler",
			Inputs: map[string]interface{}{
				"seed":         req.Seed,
				"steps":        steps,
				"cfg":          cfg,
				"sampler_name": "euler_ancestral",
				"scheduler":    "normal",
				"denoise":      1,
				"model":        link(4, 0),
				"positive":     link(6, 0),
				"negative":     link(7, 0),
				"latent_image": link(5, 0),
			},
		},
		8: {
			ClassType: "VAEDecode",
			Inputs: map[string]interface{}{
				"samples": link(3, 0),
				"vae":     link(4, 2),
			},
		},
		9: {
			ClassType: "SaveImage",
			Inputs: map[string]interface{}{
				"images":          link(8, 0),
				"filename_prefix": "panelforge",
			},
		},
	}

	if req.Control != nil {
		if err := c.addControlBranch(ctx, workflow, req.Control); err != nil {
			return nil, err
		}
	}
	if req.Reference != nil {
		if err := c.addReferenceBranch(ctx, workflow, req.Reference); err != nil {
			return nil, err
		}
	}

	return workflow, nil
}

// addControlBranch wires LoadImage -> (preprocessor) -> ControlNetApply into
// the positive/negative conditioning path. Node ids 11-14 are reserved for
// this branch. An asset-less control (the reference type) has no ControlNet
// weights to load and conditions through the IP-Adapter instead.
func (c *ComfyUIClient) addControlBranch(ctx context.Context, workflow Workflow, control *interfaces.ControlInput) error {
	uploaded, err := c.ensureUploaded(ctx, control.ImagePath)
	if err != nil {
		return err
	}

	if control.Asset == "" {
		return c.addReferenceOnlyControl(workflow, control, uploaded)
	}

	workflow[11] = &WorkflowNode{
		ClassType: "LoadImage",
		Inputs:    map[string]interface{}{"image": uploaded},
	}

	controlImage := link(11, 0)
	if !control.Preprocessed && control.Preprocessor != "" {
		workflow[12] = &WorkflowNode{
			ClassType: "AIO_Preprocessor",
			Inputs: map[string]interface{}{
				"preprocessor": control.Preprocessor,
				"resolution":   512,
				"image":        link(11, 0),
			},
		}
		controlImage = link(12, 0)
	}

	workflow[13] = &WorkflowNode{
		ClassType: "ControlNetLoader",
		Inputs:    map[string]interface{}{"control_net_name": control.Asset},
	}

	endPercent := control.EndPercent
	if endPercent == 0 {
		endPercent = 1.0
	}
	workflow[14] = &WorkflowNode{
		ClassType: "ControlNetApplyAdvanced",
		Inputs: map[string]interface{}{
			"strength":      control.Strength,
			"start_percent": control.StartPercent,
			"end_percent":   endPercent,
			"positive":      link(6, 0),
			"negative":      link(7, 0),
			"control_net":   link(13, 0),
			"image":         controlImage,
			"vae":           link(4, 2),
		},
	}

	// Route the sampler conditioning through the controlnet.
	workflow[3].Inputs["positive"] = link(14, 0)
	workflow[3].Inputs["negative"] = link(14, 1)
	return nil
}

// addReferenceOnlyControl conditions on the control image in style-transfer
// mode, leaving the text conditioning untouched. Node ids 11-13 are reserved
// for this branch; the sampler's model input is rerouted, so an identity
// reference branch added afterwards chains behind it.
func (c *ComfyUIClient) addReferenceOnlyControl(workflow Workflow, control *interfaces.ControlInput, uploaded string) error {
	workflow[11] = &WorkflowNode{
		ClassType: "LoadImage",
		Inputs:    map[string]interface{}{"image": uploaded},
	}
	workflow[12] = &WorkflowNode{
		ClassType: "IPAdapterUnifiedLoader",
		Inputs: map[string]interface{}{
			"model":  workflow[3].Inputs["model"],
			"preset": "PLUS (high strength)",
		},
	}

	endPercent := control.EndPercent
	if endPercent == 0 {
		endPercent = 1.0
	}
	workflow[13] = &WorkflowNode{
		ClassType: "IPAdapterAdvanced",
		Inputs: map[string]interface{}{
			"weight":         control.Strength,
			"weight_type":    "style transfer",
			"combine_embeds": "average",
			"start_at":       control.StartPercent,
			"end_at":         endPercent,
			"embeds_scaling": "V only",
			"model":          link(12, 0),
			"ipadapter":      link(12, 1),
			"image":          link(11, 0),
		},
	}

	workflow[3].Inputs["model"] = link(13, 0)
	return nil
}

// addReferenceBranch wires IPAdapterUnifiedLoader + IPAdapterAdvanced over
// the reference images (or the images named by an embedding token) and
// routes the sampler's model input through it. Node ids from 20 up are
// reserved for this branch.
func (c *ComfyUIClient) addReferenceBranch(ctx context.Context, workflow Workflow, ref *interfaces.ReferenceInput) error {
	names, err := c.referenceImageNames(ctx, ref)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("reference conditioning requested without images or embedding")
	}

	// Take the sampler's current model input rather than the checkpoint
	// directly, so this branch stacks behind a reference-only control.
	workflow[20] = &WorkflowNode{
		ClassType: "IPAdapterUnifiedLoader",
		Inputs: map[string]interface{}{
			"model":  workflow[3].Inputs["model"],
			"preset": adapterPreset(ref.AdapterModel),
		},
	}

	// Load every reference image and batch them pairwise.
	var imageLink []interface{}
	nextID := 21
	for i, name := range names {
		workflow[nextID] = &WorkflowNode{
			ClassType: "LoadImage",
			Inputs:    map[string]interface{}{"image": name},
		}
		loaded := link(nextID, 0)
		nextID++

		if i == 0 {
			imageLink = loaded
			continue
		}
		workflow[nextID] = &WorkflowNode{
			ClassType: "ImageBatch",
			Inputs: map[string]interface{}{
				"image1": imageLink,
				"image2": loaded,
			},
		}
		imageLink = link(nextID, 0)
		nextID++
	}

	strength := ref.Strength
	if strength == 0 {
		strength = 0.7
	}
	workflow[nextID] = &WorkflowNode{
		ClassType: "IPAdapterAdvanced",
		Inputs: map[string]interface{}{
			"weight":         strength,
			"weight_type":    "linear",
			"combine_embeds": "average",
			"start_at":       0.0,
			"end_at":         1.0,
			"embeds_scaling": "V only",
			"model":          link(20, 0),
			"ipadapter":      link(20, 1),
			"image":          imageLink,
		},
	}

	workflow[3].Inputs["model"] = link(nextID, 0)
	return nil
}

// referenceImageNames resolves the server-side names of the reference
// images, decoding embedding tokens and uploading local paths.
func (c *ComfyUIClient) referenceImageNames(ctx context.Context, ref *interfaces.ReferenceInput) ([]string, error) {
	if strings.HasPrefix(ref.Embedding, embeddingTokenPrefix) {
		return strings.Split(strings.TrimPrefix(ref.Embedding, embeddingTokenPrefix), ";"), nil
	}

	names := make([]string, 0, len(ref.Images))
	for _, image := range ref.Images {
		uploaded, err := c.ensureUploaded(ctx, image)
		if err != nil {
			return nil, err
		}
		names = append(names, uploaded)
	}
	return names, nil
}

// adapterPreset maps an adapter model id to the unified loader preset name.
func adapterPreset(adapterModel string) string {
	switch {
	case strings.Contains(adapterModel, "faceid"):
		return "FACEID PLUS V2"
	case strings.Contains(adapterModel, "instantid"):
		return "FACEID PORTRAIT (style transfer)"
	default:
		return "PLUS (high strength)"
	}
}

// ensureUploaded uploads a local file to ComfyUI and returns its server-side
// name. A path that is not a local file is assumed to already be one.
func (c *ComfyUIClient) ensureUploaded(ctx context.Context, imagePath string) (string, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return imagePath, nil
	}

	file, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Subfolder != "" {
		return result.Subfolder + "/" + result.Name, nil
	}
	return result.Name, nil
}

// queuePrompt sends a workflow to the queue and returns its prompt id.
func (c *ComfyUIClient) queuePrompt(ctx context.Context, workflow Workflow) (string, error) {
	reqBody, err := json.Marshal(&promptRequest{Prompt: workflow, ClientID: c.clientID})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("queue failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", err
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("invalid response: missing prompt_id")
	}

	return result.PromptID, nil
}

// waitForCompletion blocks until the prompt finishes. It prefers the /ws
// event stream and falls back to history polling when the socket is
// unavailable.
func (c *ComfyUIClient) waitForCompletion(ctx context.Context, promptID string) error {
	err := c.waitOnSocket(ctx, promptID)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Printf("[ComfyUI] websocket wait unavailable, polling history: %v", err)
	return c.pollHistory(ctx, promptID)
}

// waitOnSocket listens on the ComfyUI event socket for the prompt's
// completion event ("executing" with a null node).
func (c *ComfyUIClient) waitOnSocket(ctx context.Context, promptID string) error {
	wsURL, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws"
	wsURL.RawQuery = "clientId=" + c.clientID

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(c.httpClient.Timeout))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var event struct {
			Type string `json:"type"`
			Data struct {
				Node     *string `json:"node"`
				PromptID string  `json:"prompt_id"`
			} `json:"data"`
		}
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		if event.Type == "executing" && event.Data.PromptID == promptID && event.Data.Node == nil {
			return nil
		}
		if event.Type == "execution_error" && event.Data.PromptID == promptID {
			return fmt.Errorf("generation failed on the backend")
		}
	}
}

// pollHistory waits for the prompt to show up in /history.
func (c *ComfyUIClient) pollHistory(ctx context.Context, promptID string) error {
	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}

		outputs, err := c.fetchHistory(ctx, promptID)
		if err != nil {
			continue
		}
		if outputs != nil {
			return nil
		}
	}
	return fmt.Errorf("timeout waiting for generation result")
}

// fetchHistory returns the prompt's outputs, or nil while it is still
// running.
func (c *ComfyUIClient) fetchHistory(ctx context.Context, promptID string) (*historyOutputs, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var history map[string]historyOutputs
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, err
	}

	entry, ok := history[promptID]
	if !ok || len(entry.Outputs) == 0 {
		return nil, nil
	}
	return &entry, nil
}

// downloadResult fetches the first output image of a finished prompt and
// writes it to outputPath (or a generated path under the output dir).
func (c *ComfyUIClient) downloadResult(ctx context.Context, promptID, outputPath string) (string, error) {
	entry, err := c.fetchHistory(ctx, promptID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", fmt.Errorf("no outputs recorded for prompt %s", promptID)
	}

	for _, output := range entry.Outputs {
		for _, img := range output.Images {
			data, err := c.fetchImage(ctx, img.Filename, img.Subfolder)
			if err != nil {
				return "", err
			}

			path := outputPath
			if path == "" {
				path = filepath.Join(c.outputDir, img.Filename)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return "", fmt.Errorf("failed to write image: %w", err)
			}
			return path, nil
		}
	}

	return "", fmt.Errorf("prompt %s finished without images", promptID)
}

// fetchImage retrieves an image by filename from /view.
func (c *ComfyUIClient) fetchImage(ctx context.Context, filename, subfolder string) ([]byte, error) {
	query := url.Values{"filename": {filename}}
	if subfolder != "" {
		query.Set("subfolder", subfolder)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
