package types

import "image"

// ImageRecord is one indexed image: its storage key and embedding.
type ImageRecord struct {
	Key    string    `json:"key"`
	Vector []float32 `json:"vector"`
}

// BoundingBox is a detector box normalized to the image dimensions.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection groups every box the detector returned for one label.
type Detection struct {
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"` // 0-100
	Boxes      []BoundingBox `json:"instances"`
}

// ExtractedRegion is a crop of a source image around one selected box.
type ExtractedRegion struct {
	Source   string
	Label    string
	PixelBox image.Rectangle
	Sequence int // 1-based, per source image
	Image    image.Image
}

// QueryResult is a single deduplicated KNN match.
type QueryResult struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
	DocID string  `json:"doc_id,omitempty"`
}

// EmbeddingRequest is the wire body sent to the embedding service.
type EmbeddingRequest struct {
	InputImage      string           `json:"inputImage"`
	EmbeddingConfig *EmbeddingConfig `json:"embeddingConfig,omitempty"`
}

// EmbeddingConfig asks the model for a specific output length.
type EmbeddingConfig struct {
	OutputEmbeddingLength int `json:"outputEmbeddingLength"`
}

// EmbeddingResponse matches both the success and the error payload of the embedding service.
type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Message   string    `json:"message,omitempty"`
}

// ErrorResult captures the error object returned by a local model process on failure
type ErrorResult struct {
	Error string `json:"error"`
}
