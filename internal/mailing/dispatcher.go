package mailing

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/config"
)

// Message is one rendered campaign email.
type Message struct {
	To           string
	Subject      string
	HTML         string
	CampaignID   string
	SubscriberID string
}

// Dispatcher delivers a single message.
type Dispatcher interface {
	Send(ctx context.Context, msg *Message) error
}

// sesAPI is the part of the SES v2 client the dispatcher uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESDispatcher sends emails via AWS SES using the SDK v2.
type SESDispatcher struct {
	client           sesAPI
	from             string
	configurationSet string
	logger           *zap.Logger
}

// NewSESDispatcher creates an SES dispatcher. Static credentials are used
// when configured, otherwise the default AWS credential chain.
func NewSESDispatcher(ctx context.Context, cfg config.MailConfig, logger *zap.Logger) (*SESDispatcher, error) {
	region := cfg.SESRegion
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.SESAccessKey != "" && cfg.SESSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.SESAccessKey, cfg.SESSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newSESDispatcher(sesv2.NewFromConfig(awsCfg), cfg.From, cfg.ConfigurationSet, logger), nil
}

func newSESDispatcher(client sesAPI, from, configurationSet string, logger *zap.Logger) *SESDispatcher {
	return &SESDispatcher{
		client:           client,
		from:             from,
		configurationSet: configurationSet,
		logger:           logger,
	}
}

// Send delivers a single email through AWS SES.
func (d *SESDispatcher) Send(ctx context.Context, msg *Message) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(d.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("subscriber_id"), Value: aws.String(msg.SubscriberID)},
		},
	}
	if d.configurationSet != "" {
		input.ConfigurationSetName = aws.String(d.configurationSet)
	}

	out, err := d.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}

	d.logger.Debug("email sent via SES",
		zap.String("campaign_id", msg.CampaignID),
		zap.String("subscriber_id", msg.SubscriberID),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

// LogDispatcher only logs messages. Used in development.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(ctx context.Context, msg *Message) error {
	d.logger.Info("email dispatch (log only)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("campaign_id", msg.CampaignID),
		zap.Int("html_bytes", len(msg.HTML)),
	)
	return nil
}

// NewDispatcher builds the dispatcher selected by cfg.Provider.
func NewDispatcher(ctx context.Context, cfg config.MailConfig, logger *zap.Logger) (Dispatcher, error) {
	switch cfg.Provider {
	case "ses":
		return NewSESDispatcher(ctx, cfg, logger)
	case "log", "":
		return NewLogDispatcher(logger), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
}
