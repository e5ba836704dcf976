package reminder

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sirupsen/logrus"
)

// emailSender is the part of the SES client the sink uses.
type emailSender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSink e-mails notices through Amazon SES. Participant ids that are not
// addresses get Domain appended.
type SESSink struct {
	client emailSender
	from   string
	domain string
	log    logrus.FieldLogger
}

func NewSESSink(ctx context.Context, region, from, domain string, log logrus.FieldLogger) (*SESSink, error) {
	if from == "" {
		return nil, fmt.Errorf("ses notifier requires a from address")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	log.WithFields(logrus.Fields{"from": from, "region": region}).Info("email notifier enabled")
	return &SESSink{client: sesv2.NewFromConfig(cfg), from: from, domain: domain, log: log}, nil
}

func (s *SESSink) address(participantID string) (string, error) {
	if strings.Contains(participantID, "@") {
		return participantID, nil
	}
	if s.domain == "" {
		return "", fmt.Errorf("no e-mail address for participant %q", participantID)
	}
	return participantID + "@" + s.domain, nil
}

func (s *SESSink) Notify(ctx context.Context, n Notice) error {
	to, err := s.address(n.ParticipantID)
	if err != nil {
		return err
	}
	subject, body := render(n)
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}
	s.log.WithFields(logrus.Fields{
		"participant": n.ParticipantID,
		"message_id":  aws.ToString(result.MessageId),
	}).Debug("notice e-mailed")
	return nil
}
