// Package comprehend adapts AWS Comprehend Medical's DetectEntitiesV2 to the
// extraction.Classifier port.
package comprehend

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/comprehendmedical"
	"github.com/aws/aws-sdk-go-v2/service/comprehendmedical/types"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
)

const Provider = "comprehend-medical"

// DefaultMaxChunkBytes is the DetectEntitiesV2 request size limit.
const DefaultMaxChunkBytes = 20000

// API is the part of *comprehendmedical.Client the classifier calls.
type API interface {
	DetectEntitiesV2(ctx context.Context, in *comprehendmedical.DetectEntitiesV2Input, optFns ...func(*comprehendmedical.Options)) (*comprehendmedical.DetectEntitiesV2Output, error)
}

type Classifier struct {
	api           API
	maxChunkBytes int
	logger        zerolog.Logger
}

// New wraps api. Documents longer than maxChunkBytes are split and their
// entities merged in document order.
func New(api API, maxChunkBytes int, logger zerolog.Logger) *Classifier {
	if maxChunkBytes <= 0 || maxChunkBytes > DefaultMaxChunkBytes {
		maxChunkBytes = DefaultMaxChunkBytes
	}
	return &Classifier{
		api:           api,
		maxChunkBytes: maxChunkBytes,
		logger:        logger.With().Str("component", "classifier").Str("provider", Provider).Logger(),
	}
}

// NewFromConfig builds the SDK client from a loaded AWS config.
func NewFromConfig(cfg aws.Config, maxChunkBytes int, logger zerolog.Logger) *Classifier {
	return New(comprehendmedical.NewFromConfig(cfg), maxChunkBytes, logger)
}

func (c *Classifier) Classify(ctx context.Context, text string) ([]extraction.Entity, error) {
	text = norm.NFC.String(text)
	chunks := extraction.SplitText(text, c.maxChunkBytes)

	out := []extraction.Entity{}
	for i, chunk := range chunks {
		resp, err := c.api.DetectEntitiesV2(ctx, &comprehendmedical.DetectEntitiesV2Input{
			Text: aws.String(chunk.Text),
		})
		if err != nil {
			return nil, classifyError(ctx, err)
		}
		entities := convertEntities(resp.Entities)
		extraction.Rebase(entities, chunk.Offset)
		out = append(out, entities...)

		c.logger.Debug().Int("chunk", i).Int("chunks", len(chunks)).Int("entities", len(entities)).Msg("chunk classified")
	}
	return out, nil
}

func convertEntities(in []types.Entity) []extraction.Entity {
	out := make([]extraction.Entity, 0, len(in))
	for _, e := range in {
		ent := extraction.Entity{
			Type:        string(e.Type),
			Category:    string(e.Category),
			Text:        aws.ToString(e.Text),
			Score:       float64(aws.ToFloat32(e.Score)),
			BeginOffset: intPtr(e.BeginOffset),
			EndOffset:   intPtr(e.EndOffset),
			Attributes:  make([]extraction.Attribute, 0, len(e.Attributes)),
		}
		for _, a := range e.Attributes {
			ent.Attributes = append(ent.Attributes, extraction.Attribute{
				Type: string(a.Type),
				Text: aws.ToString(a.Text),
			})
		}
		out = append(out, ent)
	}
	return out
}

func intPtr(p *int32) *int {
	if p == nil {
		return nil
	}
	v := int(*p)
	return &v
}

// classifyError marks throttling, service-side and network failures as
// retryable. Validation failures and context cancellation are permanent.
func classifyError(ctx context.Context, err error) *extraction.ClassificationError {
	ce := &extraction.ClassificationError{Provider: Provider, Err: err}

	var (
		internal    *types.InternalServerException
		unavailable *types.ServiceUnavailableException
		throttled   *types.TooManyRequestsException
		netErr      net.Error
	)
	switch {
	case ctx.Err() != nil:
		ce.Err = fmt.Errorf("%w: %v", ctx.Err(), err)
	case errors.As(err, &internal), errors.As(err, &unavailable), errors.As(err, &throttled):
		ce.Retryable = true
	case errors.Is(err, context.DeadlineExceeded):
		ce.Retryable = true
	case errors.As(err, &netErr):
		ce.Retryable = true
	}
	return ce
}
