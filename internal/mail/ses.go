// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/samber/oops"
)

// sesAPI is the subset of *ses.Client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender delivers messages through Amazon SES.
type SESSender struct {
	client sesAPI
	from   string
}

// NewSESSender creates an SESSender for an existing client.
func NewSESSender(client sesAPI, from string) (*SESSender, error) {
	if client == nil {
		return nil, oops.Errorf("ses client is required")
	}
	if from == "" {
		return nil, oops.Errorf("from address is required")
	}
	return &SESSender{client: client, from: from}, nil
}

// NewSESSenderFromEnv loads the default AWS configuration chain for region
// and creates an SESSender.
func NewSESSenderFromEnv(ctx context.Context, region, from string) (*SESSender, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, oops.Code("MAIL_SES_CONFIG_FAILED").With("region", region).Wrap(err)
	}
	return NewSESSender(ses.NewFromConfig(cfg), from)
}

// Send delivers msg via SES.
func (s *SESSender) Send(ctx context.Context, msg Message) error {
	body := &types.Body{
		Text: &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")},
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}

	_, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	})
	if err != nil {
		return oops.Code("MAIL_SES_SEND_FAILED").With("subject", msg.Subject).Wrap(err)
	}
	return nil
}
