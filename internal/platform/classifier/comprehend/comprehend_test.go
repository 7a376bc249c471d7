package comprehend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/comprehendmedical"
	"github.com/aws/aws-sdk-go-v2/service/comprehendmedical/types"
	"github.com/rs/zerolog"

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
)

type fakeAPI struct {
	inputs []string
	// respond builds the entities for a request; err fails every call.
	respond func(text string) []types.Entity
	err     error
}

func (f *fakeAPI) DetectEntitiesV2(ctx context.Context, in *comprehendmedical.DetectEntitiesV2Input, _ ...func(*comprehendmedical.Options)) (*comprehendmedical.DetectEntitiesV2Output, error) {
	f.inputs = append(f.inputs, aws.ToString(in.Text))
	if f.err != nil {
		return nil, f.err
	}
	var entities []types.Entity
	if f.respond != nil {
		entities = f.respond(aws.ToString(in.Text))
	}
	return &comprehendmedical.DetectEntitiesV2Output{Entities: entities}, nil
}

// findWord reports every occurrence of word as a DX_NAME entity.
func findWord(word string) func(string) []types.Entity {
	return func(text string) []types.Entity {
		var out []types.Entity
		for i := 0; ; {
			j := strings.Index(text[i:], word)
			if j < 0 {
				return out
			}
			begin := int32(i + j)
			out = append(out, types.Entity{
				Type:        types.EntitySubTypeDxName,
				Category:    types.EntityTypeMedicalCondition,
				Text:        aws.String(word),
				Score:       aws.Float32(0.9),
				BeginOffset: aws.Int32(begin),
				EndOffset:   aws.Int32(begin + int32(len(word))),
			})
			i += j + len(word)
		}
	}
}

func TestClassify_ConvertsEntities(t *testing.T) {
	api := &fakeAPI{respond: func(string) []types.Entity {
		return []types.Entity{
			{
				Type:        types.EntitySubTypeName,
				Category:    types.EntityTypeProtectedHealthInformation,
				Text:        aws.String("Jane Doe"),
				Score:       aws.Float32(0.99),
				BeginOffset: aws.Int32(14),
				EndOffset:   aws.Int32(22),
			},
			{
				Type:     types.EntitySubTypeGenericName,
				Category: types.EntityTypeMedication,
				Text:     aws.String("Lisinopril"),
				Score:    aws.Float32(0.9),
				Attributes: []types.Attribute{
					{Type: types.EntitySubTypeDosage, Text: aws.String("10mg")},
					{Type: types.EntitySubTypeFrequency, Text: aws.String("daily")},
				},
			},
		}
	}}
	c := New(api, 0, zerolog.Nop())

	got, err := c.Classify(context.Background(), "Patient Name: Jane Doe\nMedication: Lisinopril 10mg daily")
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(got))
	}
	name := got[0]
	if name.Type != extraction.TypeName || name.Category != extraction.CategoryPHI || name.Text != "Jane Doe" {
		t.Errorf("unexpected name entity: %+v", name)
	}
	if name.BeginOffset == nil || *name.BeginOffset != 14 || *name.EndOffset != 22 {
		t.Errorf("unexpected offsets: %v %v", name.BeginOffset, name.EndOffset)
	}
	if err := name.Validate(); err != nil {
		t.Errorf("converted entity invalid: %v", err)
	}

	med := got[1]
	if med.BeginOffset != nil {
		t.Error("expected nil offset when provider omits it")
	}
	if len(med.Attributes) != 2 || med.Attributes[0].Type != extraction.AttrDosage || med.Attributes[1].Text != "daily" {
		t.Errorf("unexpected attributes: %+v", med.Attributes)
	}
	if med.Attributes == nil || got[0].Attributes == nil {
		t.Error("attributes must never be nil")
	}
}

func TestClassify_EmptyResult(t *testing.T) {
	c := New(&fakeAPI{}, 0, zerolog.Nop())
	got, err := c.Classify(context.Background(), "nothing clinical here")
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", got)
	}
}

func TestClassify_ChunksAndRebasesOffsets(t *testing.T) {
	api := &fakeAPI{respond: findWord("asthma")}
	c := New(api, 16, zerolog.Nop())

	text := "asthma at home\nasthma at work\n"
	got, err := c.Classify(context.Background(), text)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if len(api.inputs) != 2 {
		t.Fatalf("expected 2 requests, got %d: %q", len(api.inputs), api.inputs)
	}
	if strings.Join(api.inputs, "") != text {
		t.Errorf("chunks do not reassemble the text: %q", api.inputs)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(got))
	}
	if *got[0].BeginOffset != 0 || *got[1].BeginOffset != 15 || *got[1].EndOffset != 21 {
		t.Errorf("offsets not rebased: %d %d-%d", *got[0].BeginOffset, *got[1].BeginOffset, *got[1].EndOffset)
	}
}

func TestClassify_NormalizesToNFC(t *testing.T) {
	api := &fakeAPI{}
	c := New(api, 0, zerolog.Nop())

	// "é" as e + combining acute accent
	c.Classify(context.Background(), "Rene\u0301e")
	if api.inputs[0] != "Ren\u00e9e" {
		t.Errorf("expected NFC text, got %q", api.inputs[0])
	}
}

func TestClassify_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"throttled", &types.TooManyRequestsException{Message: aws.String("slow down")}, true},
		{"unavailable", &types.ServiceUnavailableException{Message: aws.String("down")}, true},
		{"internal", &types.InternalServerException{Message: aws.String("oops")}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"invalid request", &types.InvalidRequestException{Message: aws.String("bad")}, false},
		{"text too large", &types.TextSizeLimitExceededException{Message: aws.String("big")}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fakeAPI{err: tt.err}, 0, zerolog.Nop())
			_, err := c.Classify(context.Background(), "text")

			var ce *extraction.ClassificationError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ClassificationError, got %v", err)
			}
			if ce.Provider != Provider || ce.Retryable != tt.retryable {
				t.Errorf("expected retryable=%v, got %+v", tt.retryable, ce)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("expected cause preserved, got %v", err)
			}
		})
	}
}

func TestClassify_CancelledContextIsPermanent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(&fakeAPI{err: &types.ServiceUnavailableException{}}, 0, zerolog.Nop())

	_, err := c.Classify(ctx, "text")
	var ce *extraction.ClassificationError
	if !errors.As(err, &ce) || ce.Retryable {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
}
