package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/Brownie44l1/depth-api/internal/tensor"
)

// Metadata is the model definition stored next to the ONNX weights.
// WeightsFP16 and WeightsBF16 optionally name half precision exports of the
// same network, relative to the repository root.
type Metadata struct {
	Encoder     string `json:"encoder"`
	InputName   string `json:"input_name"`
	OutputName  string `json:"output_name"`
	WeightsFP16 string `json:"weights_fp16,omitempty"`
	WeightsBF16 string `json:"weights_bf16,omitempty"`
}

func defaultMetadata(encoder string) Metadata {
	return Metadata{
		Encoder:    encoder,
		InputName:  "image",
		OutputName: "depth",
	}
}

// ReducedWeights lists the half precision exports the definition names.
func (m Metadata) ReducedWeights() map[tensor.Precision]string {
	exports := make(map[tensor.Precision]string)
	if m.WeightsFP16 != "" {
		exports[tensor.FP16] = m.WeightsFP16
	}
	if m.WeightsBF16 != "" {
		exports[tensor.BF16] = m.WeightsBF16
	}
	return exports
}

// LoadMetadata reads a model definition. A missing file, or missing fields,
// keep the defaults of the published Depth-Anything exports.
func LoadMetadata(path, encoder string) (Metadata, error) {
	metadata := defaultMetadata(encoder)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return metadata, nil
	}
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(b, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return metadata, nil
}
