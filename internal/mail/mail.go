// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package mail renders account emails and hands them to a delivery backend.
package mail

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/auth"
)

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Data is the template context for every account email.
type Data struct {
	Email string
	Token string
	Link  string
}

// Mailer implements auth.Mailer by rendering a template and passing the
// message to a Sender.
type Mailer struct {
	sender    Sender
	templates *Templates
	links     map[string]string
	logger    *slog.Logger
}

var _ auth.Mailer = (*Mailer)(nil)

// Option configures a Mailer.
type Option func(*Mailer)

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mailer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLinkBase sets the frontend URL a template's link points at. The token
// is appended as the "token" query parameter.
func WithLinkBase(templateID, base string) Option {
	return func(m *Mailer) {
		m.links[templateID] = base
	}
}

// NewMailer creates a Mailer.
func NewMailer(sender Sender, templates *Templates, opts ...Option) (*Mailer, error) {
	if sender == nil {
		return nil, oops.Errorf("sender is required")
	}
	if templates == nil {
		return nil, oops.Errorf("templates are required")
	}
	m := &Mailer{
		sender:    sender,
		templates: templates,
		links:     make(map[string]string),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	for id, base := range m.links {
		if _, err := url.Parse(base); err != nil {
			return nil, oops.Code("MAIL_INVALID_LINK").With("template", id).Wrap(err)
		}
	}
	return m, nil
}

// Send renders templateID with payload and delivers it to to.
func (m *Mailer) Send(ctx context.Context, to, templateID string, payload map[string]string) error {
	data := Data{Email: payload["email"], Token: payload["token"]}
	if base, ok := m.links[templateID]; ok && data.Token != "" {
		link, err := Link(base, data.Token)
		if err != nil {
			return oops.Code("MAIL_INVALID_LINK").With("template", templateID).Wrap(err)
		}
		data.Link = link
	}

	msg, err := m.templates.Render(templateID, data)
	if err != nil {
		return err
	}
	msg.To = to

	if err := m.sender.Send(ctx, msg); err != nil {
		return oops.Code("MAIL_SEND_FAILED").With("template", templateID).Wrap(err)
	}
	m.logger.DebugContext(ctx, "mail sent", "template", templateID)
	return nil
}

// Link appends token to base as the "token" query parameter.
func Link(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", oops.With("base", base).Wrap(err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
