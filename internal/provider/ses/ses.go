// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-sender-lite/internal/email"
)

const charset = "UTF-8"

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender is the verified SES identity every message is sent from.
	Sender string
}

// Provider sends emails via the AWS SES v2 API.
type Provider struct {
	sender string
	client SendEmailAPI
	logger *slog.Logger
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Provider using the default AWS credential chain, or static
// credentials when both keys are set.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Sender == "" {
		return nil, errors.New("ses: sender is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg), logger), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		sender: sender,
		client: client,
		logger: logger.With("provider", "ses"),
	}
}

// Send delivers req via SES and returns the SES message ID.
func (p *Provider) Send(ctx context.Context, req *email.Request) (string, error) {
	if req.To == "" {
		return "", errors.New("ses: recipient is required")
	}

	out, err := p.client.SendEmail(ctx, buildInput(p.sender, req))
	if err != nil {
		p.logger.Warn("SES API error", "to", req.To, "error", err)
		return "", fmt.Errorf("SES API request failed: %w", err)
	}

	messageID := aws.ToString(out.MessageId)
	p.logger.Debug("message sent", "to", req.To, "message_id", messageID)
	return messageID, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// buildInput creates a simple-content SendEmailInput. The display name of
// the request is applied to the configured sender and the caller's address
// becomes the Reply-To.
func buildInput(sender string, req *email.Request) *sesv2.SendEmailInput {
	from := sender
	if req.FromName != "" {
		if addr, err := mail.ParseAddress(sender); err == nil {
			from = (&mail.Address{Name: req.FromName, Address: addr.Address}).String()
		}
	}

	body := &types.Body{}
	if req.HTML != "" {
		body.Html = &types.Content{Data: aws.String(req.HTML), Charset: aws.String(charset)}
	}
	if req.Text != "" {
		body.Text = &types.Content{Data: aws.String(req.Text), Charset: aws.String(charset)}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{req.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(req.Subject), Charset: aws.String(charset)},
				Body:    body,
			},
		},
	}
	if req.FromAddress != "" && req.FromAddress != sender {
		input.ReplyToAddresses = []string{req.FromAddress}
	}
	return input
}
