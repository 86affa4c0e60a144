package recognition

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
	"google.golang.org/grpc/codes"
)

// Vision implements the Annotator interface using the Google Cloud Vision REST API
type Vision struct {
	service *vision.Service
}

// NewVision creates a new Vision annotator.
// An empty apiKey falls back to application default credentials.
func NewVision(ctx context.Context, apiKey string) (*Vision, error) {
	var opts []option.ClientOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return NewVisionWithOptions(ctx, opts...)
}

// NewVisionWithOptions creates a Vision annotator with custom client options for testing
func NewVisionWithOptions(ctx context.Context, opts ...option.ClientOption) (*Vision, error) {
	service, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating vision client: %w", err)
	}
	return &Vision{service: service}, nil
}

// Annotate runs DOCUMENT_TEXT_DETECTION on the image
func (v *Vision) Annotate(ctx context.Context, req Request) ([]AnnotateResponse, error) {
	image := &vision.Image{}
	if req.ImageURI != "" {
		image.Source = &vision.ImageSource{ImageUri: req.ImageURI}
	} else {
		image.Content = base64.StdEncoding.EncodeToString(req.ImageBytes)
	}

	batch := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{
			{
				Image:    image,
				Features: []*vision.Feature{{Type: "DOCUMENT_TEXT_DETECTION"}},
			},
		},
	}

	resp, err := v.service.Images.Annotate(batch).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("calling vision API: %w", err)
	}

	out := make([]AnnotateResponse, 0, len(resp.Responses))
	for _, r := range resp.Responses {
		if r == nil {
			continue
		}
		if r.Error != nil && r.Error.Code != 0 {
			return nil, &CodedError{
				Code: codeFromGRPC(codes.Code(r.Error.Code)),
				Err:  errors.New(r.Error.Message),
			}
		}
		out = append(out, fromVision(r))
	}
	return out, nil
}

// Close is a no-op; the REST client holds no resources
func (v *Vision) Close() error {
	return nil
}

func fromVision(r *vision.AnnotateImageResponse) AnnotateResponse {
	var out AnnotateResponse
	for _, ta := range r.TextAnnotations {
		if ta == nil {
			continue
		}
		out.TextAnnotations = append(out.TextAnnotations, TextAnnotation{Description: ta.Description})
	}

	if r.FullTextAnnotation != nil {
		fta := &FullTextAnnotation{Text: r.FullTextAnnotation.Text}
		for _, p := range r.FullTextAnnotation.Pages {
			if p == nil {
				continue
			}
			page := Page{}
			// The API omits confidence when the page was not scored
			if p.Confidence > 0 {
				c := p.Confidence
				page.Confidence = &c
			}
			fta.Pages = append(fta.Pages, page)
		}
		out.FullTextAnnotation = fta
	}
	return out
}
