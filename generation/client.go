package generation

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dressup/tryon-engine/metrics"
)

// ErrEmptyResponse is returned by an ImageModel that produced no image.
var ErrEmptyResponse = errors.New("image model returned no image")

// Image is raw image bytes with their MIME type.
type Image struct {
	Data     []byte
	MIMEType string
}

// ImageModel generates a try-on image from a source image and a prompt.
type ImageModel interface {
	Generate(ctx context.Context, src Image, prompt string) (Image, error)
}

// Request is one try-on call.
type Request struct {
	Image   Image
	Options Options
}

// Result is the outcome of TryOn. When IsOriginal is true, Image is the
// uploaded image and Warning explains why.
type Result struct {
	Image      Image
	IsOriginal bool
	Warning    string
	Prompt     string
	Duration   time.Duration
}

const fallbackWarning = "The image could not be generated, showing your original photo instead."

// Client wraps an ImageModel with the fallback policy.
type Client struct {
	model   ImageModel
	timeout time.Duration
	log     logrus.FieldLogger
}

// NewClient creates a Client. A zero timeout means no per-call deadline
// beyond ctx.
func NewClient(model ImageModel, timeout time.Duration, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{model: model, timeout: timeout, log: log}
}

// TryOn makes exactly one model call. It never returns an error: a model
// failure yields the original image with IsOriginal set.
func (c *Client) TryOn(ctx context.Context, req Request) Result {
	prompt := BuildPrompt(req.Options)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.model.Generate(ctx, req.Image, prompt)
	elapsed := time.Since(start)

	if err == nil && len(out.Data) == 0 {
		err = ErrEmptyResponse
	}
	if err != nil {
		metrics.RecordGeneration("fallback", elapsed.Seconds())
		c.log.WithFields(logrus.Fields{
			"options":  req.Options.String(),
			"duration": elapsed,
		}).WithError(err).Warn("generation failed, returning original image")
		return Result{
			Image:      req.Image,
			IsOriginal: true,
			Warning:    fallbackWarning,
			Prompt:     prompt,
			Duration:   elapsed,
		}
	}

	if out.MIMEType == "" {
		out.MIMEType = "image/png"
	}
	metrics.RecordGeneration("generated", elapsed.Seconds())
	c.log.WithField("duration", elapsed).Debug("generation succeeded")
	return Result{
		Image:    out,
		Prompt:   prompt,
		Duration: elapsed,
	}
}
