// Package encoder adapts external text-to-embedding services.
package encoder

import (
	"context"

	"github.com/ivlev/giffusion/internal/tensor"
)

// Encoder turns prompts into embedding tensors, one per prompt. Embeddings of
// different prompts may differ in token length; callers pad them.
type Encoder interface {
	Encode(ctx context.Context, prompts []string) ([]*tensor.Tensor, error)
}
