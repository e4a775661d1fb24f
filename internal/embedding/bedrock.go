package embedding

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
)

// InvokeModelAPI is the slice of the Bedrock runtime client the transport needs.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockTransport invokes a Bedrock-hosted multimodal embedding model.
type BedrockTransport struct {
	client  InvokeModelAPI
	modelID string
}

// NewBedrockTransport creates a transport for modelID (e.g. "amazon.titan-embed-image-v1").
func NewBedrockTransport(client InvokeModelAPI, modelID string) *BedrockTransport {
	return &BedrockTransport{client: client, modelID: modelID}
}

// NewBedrockTransportFromConfig builds the runtime client from a loaded AWS config.
func NewBedrockTransportFromConfig(cfg aws.Config, modelID string) *BedrockTransport {
	return NewBedrockTransport(bedrockruntime.NewFromConfig(cfg), modelID)
}

func (t *BedrockTransport) Invoke(ctx context.Context, body []byte) ([]byte, error) {
	out, err := t.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(t.modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, classifyAWSError(err)
	}
	return out.Body, nil
}

// retryableCodes are Bedrock exceptions that describe transient service state.
var retryableCodes = map[string]bool{
	"ThrottlingException":         true,
	"ServiceUnavailableException": true,
	"InternalServerException":     true,
	"ModelTimeoutException":       true,
	"ModelNotReadyException":      true,
}

func classifyAWSError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	se := &ServiceError{Message: err.Error(), cause: err}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		se.StatusCode = status.HTTPStatusCode()
		se.Retryable = retryableStatus(se.StatusCode)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		se.Message = apiErr.ErrorMessage()
		if retryableCodes[apiErr.ErrorCode()] {
			se.Retryable = true
		}
		if apiErr.ErrorCode() == "ValidationException" {
			se.Retryable = false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		se.Retryable = true
	}
	return se
}
