package embedding

import "context"

// Provider turns a batch of texts into dense vectors, one per input, in order.
type Provider interface {
	Name() string
	EncodeBatch(ctx context.Context, texts []string) ([][]float64, error)
}
