package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/bastionhq/bastion/internal/models"
)

// SecurityNotifier delivers security alerts to account owners.
type SecurityNotifier interface {
	NotifyAccountLocked(ctx context.Context, email, identity, reason string) error
	NotifyHighRiskLogin(ctx context.Context, email string, assessment *models.ThreatAssessment) error
}

// AWSSESNotifier sends security alerts using AWS SES
type AWSSESNotifier struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESNotifier creates a new AWS SES notifier
func NewAWSSESNotifier(region, fromAddress string, logger *slog.Logger) (*AWSSESNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESNotifier{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// NotifyAccountLocked tells the account owner their account was locked
func (s *AWSSESNotifier) NotifyAccountLocked(ctx context.Context, email, identity, reason string) error {
	subject := "Security alert: your account has been temporarily locked"
	textBody := fmt.Sprintf(`Hello %s,

Your account has been temporarily locked.

Reason: %s

If this was you, simply wait for the lock to expire and try again.
If you do not recognize this activity, please reset your password as soon as the lock lifts and contact support.

This is an automated message. Please do not reply to this email.
`, identity, reason)

	return s.send(ctx, email, subject, textBody)
}

// NotifyHighRiskLogin warns the account owner about a suspicious login
func (s *AWSSESNotifier) NotifyHighRiskLogin(ctx context.Context, email string, assessment *models.ThreatAssessment) error {
	subject := "Security alert: unusual sign-in to your account"

	location := assessment.CountryCode
	if assessment.City != "" {
		location = fmt.Sprintf("%s, %s", assessment.City, assessment.CountryCode)
	}

	textBody := fmt.Sprintf(`Hello %s,

We detected a sign-in to your account that looks unusual.

IP address: %s
Location:   %s
Time:       %s

If this was you, no action is needed.
If you do not recognize this sign-in, please change your password immediately.

This is an automated message. Please do not reply to this email.
`, assessment.Identity, assessment.IPAddress, location, assessment.AssessedAt.UTC().Format("2006-01-02 15:04 UTC"))

	return s.send(ctx, email, subject, textBody)
}

func (s *AWSSESNotifier) send(ctx context.Context, to, subject, textBody string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send security alert via SES",
			slog.String("email", to),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("security alert sent",
		slog.String("email", to),
		slog.String("message_id", *result.MessageId))
	return nil
}

// NoopNotifier drops alerts. Used when email delivery is disabled.
type NoopNotifier struct{}

func (NoopNotifier) NotifyAccountLocked(context.Context, string, string, string) error { return nil }
func (NoopNotifier) NotifyHighRiskLogin(context.Context, string, *models.ThreatAssessment) error {
	return nil
}
