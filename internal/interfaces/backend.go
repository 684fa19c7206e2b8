package interfaces

import "context"

// ControlInput is the single ControlNet conditioning signal a backend call
// accepts. The backend capability consumed here takes at most one
// conditioning image per generation; stacking is handled above this layer.
type ControlInput struct {
	Type         string
	ImagePath    string
	Asset        string // ControlNet weights file
	Preprocessor string
	Strength     float64
	StartPercent float64
	EndPercent   float64
	Preprocessed bool // ImagePath is already a control map
}

// ReferenceInput conditions generation on reference images or a previously
// extracted embedding token (IP-Adapter style identity conditioning).
type ReferenceInput struct {
	Images       []string
	Embedding    string
	AdapterModel string
	Strength     float64
}

// ImageRequest represents a request to generate an image.
type ImageRequest struct {
	Prompt         string
	NegativePrompt string
	Model          string
	Seed           int64
	Steps          int
	CFGScale       float64
	Width          int
	Height         int
	Control        *ControlInput
	Reference      *ReferenceInput
}

// ImageResponse represents the response from image generation.
type ImageResponse struct {
	ImagePath      string
	Seed           int64
	GenerationTime int64 // milliseconds
}

// PreprocessRequest asks the backend to turn an image into a control map.
type PreprocessRequest struct {
	ImagePath    string
	Preprocessor string
	OutputPath   string
	Resolution   int
}

// PreprocessResponse carries the produced control map.
type PreprocessResponse struct {
	OutputPath string
}

// EmbeddingRequest asks the backend to derive an identity embedding from a
// set of reference images.
type EmbeddingRequest struct {
	Images       []string
	AdapterModel string
}

// EmbeddingResponse carries the opaque embedding token.
type EmbeddingResponse struct {
	Embedding string
}

// GeneratorStatus represents the status of the generation backend.
type GeneratorStatus struct {
	IsAvailable bool
	QueueSize   int
	LastError   string
}

// Backend defines the generation backend contract. Failures pass through to
// callers verbatim; no retry policy is owned above this interface.
type Backend interface {
	// GenerateImage generates one image, optionally conditioned by a single
	// control input and/or reference conditioning.
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)

	// Preprocess derives a control map (pose skeleton, depth map, ...) from
	// an image.
	Preprocess(ctx context.Context, req *PreprocessRequest) (*PreprocessResponse, error)

	// ExtractEmbedding derives a reusable identity embedding from reference
	// images.
	ExtractEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// GetStatus returns the current status of the backend.
	GetStatus(ctx context.Context) (*GeneratorStatus, error)
}
