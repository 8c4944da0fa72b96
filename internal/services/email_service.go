package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	pkglogger "github.com/BradenHooton/neurolock/pkg/logger"
)

// CodeSender delivers a one-time code to a phone number or email address.
type CodeSender interface {
	SendCode(ctx context.Context, destination, code string, expiresAt time.Time) error
}

// SESAPI is the subset of *ses.Client used for delivery.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESCodeSender sends verification codes using AWS SES
type SESCodeSender struct {
	client      SESAPI
	fromAddress string
	logger      *slog.Logger
}

// NewSESCodeSender creates a sender from the default AWS credential chain
func NewSESCodeSender(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*SESCodeSender, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESCodeSenderWithClient(ses.NewFromConfig(cfg), fromAddress, logger), nil
}

func NewSESCodeSenderWithClient(client SESAPI, fromAddress string, logger *slog.Logger) *SESCodeSender {
	return &SESCodeSender{
		client:      client,
		fromAddress: fromAddress,
		logger:      logger,
	}
}

// SendCode emails code to destination
func (s *SESCodeSender) SendCode(ctx context.Context, destination, code string, expiresAt time.Time) error {
	minutes := int(time.Until(expiresAt).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .code { font-size: 32px; letter-spacing: 8px; font-weight: bold; text-align: center; padding: 16px; background-color: #f8f9fa; border-radius: 4px; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
    </style>
</head>
<body>
    <div class="container">
        <h1>NeuroLock verification code</h1>
        <p>Enter this code to continue signing in:</p>
        <div class="code">%s</div>
        <p>The code expires in %d minutes and can be used once.</p>
        <p><strong>Did not try to sign in?</strong> Contact your administrator. Someone may know your password.</p>
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>
`, code, minutes)

	textBody := fmt.Sprintf(`NeuroLock verification code

Enter this code to continue signing in: %s

The code expires in %d minutes and can be used once.

Did not try to sign in? Contact your administrator. Someone may know your password.
`, code, minutes)

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{destination},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String("Your NeuroLock verification code"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send code via SES",
			slog.String("email", pkglogger.SanitizedEmail(destination)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("verification code emailed",
		slog.String("email", pkglogger.SanitizedEmail(destination)),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// LogCodeSender writes codes to the log instead of delivering them. The code
// itself is redacted in production.
type LogCodeSender struct {
	channel string
	env     string
	logger  *slog.Logger
}

func NewLogCodeSender(channel, env string, logger *slog.Logger) *LogCodeSender {
	return &LogCodeSender{channel: channel, env: env, logger: logger}
}

func (s *LogCodeSender) SendCode(ctx context.Context, destination, code string, expiresAt time.Time) error {
	s.logger.InfoContext(ctx, "verification code not delivered: no gateway configured",
		slog.String("channel", s.channel),
		pkglogger.RedactedAttr("destination", destination, s.env),
		pkglogger.RedactedAttr("code", code, s.env),
		slog.Time("expires_at", expiresAt))
	return nil
}

type sendJob struct {
	destination string
	code        string
	expiresAt   time.Time
}

// AsyncSender queues deliveries so that requesting a code never waits on the
// gateway. A full queue is reported to the caller.
type AsyncSender struct {
	next    CodeSender
	jobs    chan sendJob
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAsyncSender starts workers goroutines in front of next.
func NewAsyncSender(next CodeSender, queueSize, workers int, logger *slog.Logger) *AsyncSender {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	a := &AsyncSender{
		next:    next,
		jobs:    make(chan sendJob, queueSize),
		timeout: 15 * time.Second,
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.work()
	}
	return a
}

func (a *AsyncSender) SendCode(_ context.Context, destination, code string, expiresAt time.Time) error {
	select {
	case a.jobs <- sendJob{destination: destination, code: code, expiresAt: expiresAt}:
		return nil
	default:
		return fmt.Errorf("delivery queue full")
	}
}

// Close waits for queued deliveries to finish.
func (a *AsyncSender) Close() {
	a.once.Do(func() {
		close(a.jobs)
		a.wg.Wait()
	})
}

func (a *AsyncSender) work() {
	defer a.wg.Done()
	for job := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.SendCode(ctx, job.destination, job.code, job.expiresAt); err != nil {
			a.logger.Warn("code delivery failed", slog.Any("error", err))
		}
		cancel()
	}
}
