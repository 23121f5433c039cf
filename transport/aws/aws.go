// Package aws provides an Amazon SQS queue client for userevents.
package aws

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	"github.com/drblury/userevents/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

// API is the subset of the SQS client used by Client.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// ClientFactory allows overriding the SQS client creation for testing.
var ClientFactory = func(cfg aws.Config, optFns ...func(*sqs.Options)) API {
	return sqs.NewFromConfig(cfg, optFns...)
}

func init() {
	Register()
}

// Register adds the SQS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// Client talks to SQS directly so that receipt handles and receive counts are
// visible to the consumer.
type Client struct {
	api    API
	logger watermill.LoggerAdapter
}

// NewClient wraps an SQS API implementation.
func NewClient(api API, logger watermill.LoggerAdapter) *Client {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Client{api: api, logger: logger}
}

// Build creates a new SQS client from config.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var opts []func(*sqs.Options)
	if endpoint := cfg.GetAWSEndpoint(); endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": cfg.GetAWSEndpoint() != "",
	})

	return NewClient(ClientFactory(awsCfg, opts...), logger), nil
}

func createAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); accessKey != "" && secretKey != "" {
		logger.Info("Using static AWS credentials from config", watermill.LogFields{
			"session_token": cfg.GetAWSSessionToken() != "",
		})
		opts = append(opts, awsconfig.WithCredentialsProvider(
			staticCredentialsProvider(accessKey, secretKey, cfg.GetAWSSessionToken()),
		))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": region})
		return aws.Config{}, err
	}

	// Ensure region is set even if the loader ignores options
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

// Send publishes body to the queue URL and returns the SQS message id.
func (c *Client) Send(ctx context.Context, destination, body string) (string, error) {
	if destination == "" {
		return "", &errspkg.TransportError{Op: "send", Err: errspkg.ErrDestinationRequired}
	}
	out, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(destination),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return "", wrapError("send", destination, err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls the queue for up to wait (capped at 20s) and returns at
// most maxMessages (capped at 10) deliveries.
func (c *Client) Receive(ctx context.Context, destination string, maxMessages int, wait time.Duration) ([]transport.Message, error) {
	if destination == "" {
		return nil, &errspkg.TransportError{Op: "receive", Err: errspkg.ErrDestinationRequired}
	}
	caps := transport.AWSCapabilities
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(destination),
		MaxNumberOfMessages: int32(caps.ClampBatch(maxMessages)),
		WaitTimeSeconds:     int32(caps.ClampWait(wait) / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, wrapError("receive", destination, err)
	}

	messages := make([]transport.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, transport.Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  receiveCount(m.Attributes),
		})
	}
	return messages, nil
}

// Delete removes the delivery identified by receiptHandle.
func (c *Client) Delete(ctx context.Context, destination, receiptHandle string) error {
	if destination == "" {
		return &errspkg.TransportError{Op: "delete", Err: errspkg.ErrDestinationRequired}
	}
	if receiptHandle == "" {
		return &errspkg.TransportError{Op: "delete", Destination: destination, Err: errspkg.ErrReceiptHandleMissing}
	}
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(destination),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return wrapError("delete", destination, err)
	}
	return nil
}

// Capabilities returns the SQS limits.
func (c *Client) Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

func receiveCount(attrs map[string]string) int {
	raw, ok := attrs[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// wrapError copies the AWS error code and HTTP status into a TransportError.
func wrapError(op, destination string, err error) error {
	te := &errspkg.TransportError{Op: op, Destination: destination, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		te.Code = apiErr.ErrorCode()
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		te.StatusCode = respErr.HTTPStatusCode()
	}
	return te
}

func staticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			SessionToken:    sessionToken,
			Source:          "userevents-config",
		}, nil
	})
}
