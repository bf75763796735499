// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/accounts/internal/auth"
	"github.com/holomush/accounts/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockSender is a mock for Sender.
type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// mockSES is a mock for sesAPI.
type mockSES struct {
	mock.Mock
}

func (m *mockSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ses.SendEmailOutput), args.Error(1)
}

func mustTemplates(t *testing.T) *Templates {
	t.Helper()
	tpl, err := NewTemplates(nil)
	require.NoError(t, err)
	return tpl
}

func TestLink(t *testing.T) {
	link, err := Link("https://app.example.com/activate", "abc+/=")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/activate?token=abc%2B%2F%3D", link)

	link, err = Link("https://app.example.com/reset?lang=en", "tok")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/reset?lang=en&token=tok", link)
}

func TestMailer_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("renders the activation link", func(t *testing.T) {
		sender := new(mockSender)
		sender.On("Send", ctx, mock.MatchedBy(func(msg Message) bool {
			return msg.To == "ada@example.com" &&
				msg.Subject == "Activate your account" &&
				strings.Contains(msg.Text, "https://app.example.com/activate?token=tok123")
		})).Return(nil)

		m, err := NewMailer(sender, mustTemplates(t),
			WithLinkBase(auth.TemplateActivation, "https://app.example.com/activate"),
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		require.NoError(t, err)

		err = m.Send(ctx, "ada@example.com", auth.TemplateActivation, map[string]string{"email": "ada@example.com", "token": "tok123"})
		require.NoError(t, err)
		sender.AssertExpectations(t)
	})

	t.Run("falls back to the raw token without a link base", func(t *testing.T) {
		sender := new(mockSender)
		sender.On("Send", ctx, mock.MatchedBy(func(msg Message) bool {
			return strings.Contains(msg.Text, "tok123")
		})).Return(nil)

		m, err := NewMailer(sender, mustTemplates(t))
		require.NoError(t, err)
		require.NoError(t, m.Send(ctx, "ada@example.com", auth.TemplatePasswordReset, map[string]string{"token": "tok123"}))
		sender.AssertExpectations(t)
	})

	t.Run("wraps sender failures", func(t *testing.T) {
		sender := new(mockSender)
		sender.On("Send", ctx, mock.Anything).Return(errors.New("throttled"))

		m, err := NewMailer(sender, mustTemplates(t))
		require.NoError(t, err)
		err = m.Send(ctx, "ada@example.com", auth.TemplateActivation, nil)
		errutil.AssertErrorCode(t, err, "MAIL_SEND_FAILED")
	})

	t.Run("unknown template", func(t *testing.T) {
		m, err := NewMailer(new(mockSender), mustTemplates(t))
		require.NoError(t, err)
		err = m.Send(ctx, "ada@example.com", "welcome_back", nil)
		errutil.AssertErrorCode(t, err, "MAIL_TEMPLATE_NOT_FOUND")
	})
}

func TestTemplates(t *testing.T) {
	t.Run("overrides replace defaults", func(t *testing.T) {
		tpl, err := NewTemplates(map[string]TemplateSource{
			auth.TemplateActivation: {Subject: "Hi {{.Email}}", Text: "{{.Link}}", HTML: "<a href=\"{{.Link}}\">go</a>"},
		})
		require.NoError(t, err)

		msg, err := tpl.Render(auth.TemplateActivation, Data{Email: "ada@example.com", Link: "https://x/?token=a&b"})
		require.NoError(t, err)
		assert.Equal(t, "Hi ada@example.com", msg.Subject)
		assert.Equal(t, `<a href="https://x/?token=a&amp;b">go</a>`, msg.HTML)
	})

	t.Run("rejects incomplete sources", func(t *testing.T) {
		_, err := NewTemplates(map[string]TemplateSource{"x": {Subject: "only subject"}})
		errutil.AssertErrorCode(t, err, "MAIL_TEMPLATE_INVALID")
	})

	t.Run("rejects bad syntax", func(t *testing.T) {
		_, err := NewTemplates(map[string]TemplateSource{"x": {Subject: "{{", Text: "t"}})
		errutil.AssertErrorCode(t, err, "MAIL_TEMPLATE_PARSE_FAILED")
	})
}

func TestSESSender(t *testing.T) {
	ctx := context.Background()

	t.Run("builds the request", func(t *testing.T) {
		client := new(mockSES)
		client.On("SendEmail", ctx, mock.MatchedBy(func(in *ses.SendEmailInput) bool {
			return *in.Source == "noreply@example.com" &&
				in.Destination.ToAddresses[0] == "ada@example.com" &&
				*in.Message.Subject.Data == "Subject" &&
				in.Message.Body.Html == nil
		})).Return(&ses.SendEmailOutput{}, nil)

		s, err := NewSESSender(client, "noreply@example.com")
		require.NoError(t, err)
		require.NoError(t, s.Send(ctx, Message{To: "ada@example.com", Subject: "Subject", Text: "body"}))
		client.AssertExpectations(t)
	})

	t.Run("wraps client failures", func(t *testing.T) {
		client := new(mockSES)
		client.On("SendEmail", ctx, mock.Anything).Return(nil, errors.New("MessageRejected"))

		s, err := NewSESSender(client, "noreply@example.com")
		require.NoError(t, err)
		err = s.Send(ctx, Message{To: "ada@example.com"})
		errutil.AssertErrorCode(t, err, "MAIL_SES_SEND_FAILED")
	})

	t.Run("requires a from address", func(t *testing.T) {
		_, err := NewSESSender(new(mockSES), "")
		assert.ErrorContains(t, err, "from address is required")
	})
}
