// Package notify sends user-facing completion emails.
package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESMailer sends mail through SES.
type SESMailer struct {
	client *sesv2.Client
	from   string
}

func NewSESMailer(client *sesv2.Client, from string) *SESMailer {
	return &SESMailer{client: client, from: from}
}

// Send delivers a plain-text email to a single recipient.
func (m *SESMailer) Send(ctx context.Context, to, subject, body string) error {
	_, err := m.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{to},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject)},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}
	return nil
}
