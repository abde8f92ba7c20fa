package generation

import (
	"context"
	"errors"
)

// ErrModelUnavailable is returned when no image model is configured.
var ErrModelUnavailable = errors.New("image model not configured")

// Unavailable is the ImageModel used when no backend is configured. Every
// call fails, so TryOn always falls back to the original image.
type Unavailable struct{}

var _ ImageModel = Unavailable{}

// Generate always returns ErrModelUnavailable.
func (Unavailable) Generate(context.Context, Image, string) (Image, error) {
	return Image{}, ErrModelUnavailable
}
