// Package bedrock wraps the AWS Bedrock Runtime bidirectional streaming API
// behind the narrow [Stream] and [Opener] interfaces the session layer
// consumes. Only this package touches the AWS SDK types; everything above it
// deals in opaque JSON payload bytes.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// Stream is one open bidirectional exchange with the model. Send and Receive
// may be called from different goroutines; the underlying SDK event stream
// serialises writes.
type Stream interface {
	// Send writes one UTF-8 JSON envelope to the input stream.
	Send(ctx context.Context, payload []byte) error

	// Receive blocks until the next inbound payload chunk arrives. It returns
	// io.EOF when the backend closes the stream cleanly.
	Receive(ctx context.Context) ([]byte, error)

	// CloseSend closes the input side of the stream and releases the
	// underlying event stream.
	CloseSend() error
}

// Opener creates backend streams. The session layer holds an Opener so tests
// can substitute a scripted stream for the real service.
type Opener interface {
	Invoke(ctx context.Context, modelID string) (Stream, error)
}

// Client is the production [Opener] backed by a bedrockruntime client.
type Client struct {
	api *bedrockruntime.Client
}

// New builds a Client for the given region. When creds is non-nil it is used
// as the credentials source; otherwise the SDK default chain applies.
func New(ctx context.Context, region string, creds aws.CredentialsProvider) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if creds != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	return &Client{api: bedrockruntime.NewFromConfig(cfg)}, nil
}

// Invoke opens a bidirectional stream against the given model.
func (c *Client) Invoke(ctx context.Context, modelID string) (Stream, error) {
	out, err := c.api.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(modelID),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: invoke %s: %w", modelID, err)
	}
	return &sdkStream{es: out.GetStream()}, nil
}

// sdkStream adapts the SDK event stream to [Stream].
type sdkStream struct {
	es *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream
}

func (s *sdkStream) Send(ctx context.Context, payload []byte) error {
	chunk := &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: payload},
	}
	if err := s.es.Send(ctx, chunk); err != nil {
		return fmt.Errorf("bedrock: send chunk: %w", err)
	}
	return nil
}

func (s *sdkStream) Receive(ctx context.Context) ([]byte, error) {
	for {
		select {
		case ev, ok := <-s.es.Events():
			if !ok {
				if err := s.es.Err(); err != nil {
					return nil, err
				}
				return nil, io.EOF
			}
			chunk, ok := ev.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk)
			if !ok {
				// Unknown union member; skip and keep receiving.
				continue
			}
			return chunk.Value.Bytes, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *sdkStream) CloseSend() error {
	return s.es.Close()
}

// IsEOF reports whether err signals a clean end of stream.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// IsValidationError reports whether err is a validation-class fault from the
// service. These are surfaced to the client as error envelopes and must not
// terminate the session.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" {
		return true
	}
	return strings.Contains(err.Error(), "ValidationException")
}
