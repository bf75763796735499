// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"bytes"
	htmltemplate "html/template"
	"sync"
	"text/template"

	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/auth"
)

// TemplateSource is the unparsed form of one email template.
type TemplateSource struct {
	Subject string `koanf:"subject"`
	Text    string `koanf:"text"`
	HTML    string `koanf:"html"`
}

type compiled struct {
	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

// Templates stores the parsed email templates by ID.
type Templates struct {
	mu        sync.RWMutex
	templates map[string]compiled
}

// DefaultTemplateSources returns the built-in activation and password reset
// templates.
func DefaultTemplateSources() map[string]TemplateSource {
	return map[string]TemplateSource{
		auth.TemplateActivation: {
			Subject: "Activate your account",
			Text: "Welcome!\n\nActivate your account for {{.Email}}:\n\n" +
				"{{if .Link}}{{.Link}}{{else}}{{.Token}}{{end}}\n\n" +
				"If you did not sign up, ignore this message.\n",
		},
		auth.TemplatePasswordReset: {
			Subject: "Reset your password",
			Text: "A password reset was requested for {{.Email}}.\n\n" +
				"{{if .Link}}{{.Link}}{{else}}{{.Token}}{{end}}\n\n" +
				"If you did not ask for this, your password is unchanged.\n",
		},
	}
}

// NewTemplates parses sources. Sources override the defaults with the same ID.
func NewTemplates(sources map[string]TemplateSource) (*Templates, error) {
	t := &Templates{templates: make(map[string]compiled)}
	for id, src := range DefaultTemplateSources() {
		if err := t.Register(id, src); err != nil {
			return nil, err
		}
	}
	for id, src := range sources {
		if err := t.Register(id, src); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Register parses src and stores it under id.
func (t *Templates) Register(id string, src TemplateSource) error {
	if src.Subject == "" || src.Text == "" {
		return oops.Code("MAIL_TEMPLATE_INVALID").With("template", id).Errorf("subject and text are required")
	}
	var (
		c   compiled
		err error
	)
	if c.subject, err = template.New(id + ".subject").Option("missingkey=error").Parse(src.Subject); err != nil {
		return oops.Code("MAIL_TEMPLATE_PARSE_FAILED").With("template", id).With("part", "subject").Wrap(err)
	}
	if c.text, err = template.New(id + ".text").Option("missingkey=error").Parse(src.Text); err != nil {
		return oops.Code("MAIL_TEMPLATE_PARSE_FAILED").With("template", id).With("part", "text").Wrap(err)
	}
	if src.HTML != "" {
		if c.html, err = htmltemplate.New(id + ".html").Parse(src.HTML); err != nil {
			return oops.Code("MAIL_TEMPLATE_PARSE_FAILED").With("template", id).With("part", "html").Wrap(err)
		}
	}

	t.mu.Lock()
	t.templates[id] = c
	t.mu.Unlock()
	return nil
}

// Render executes the template registered under id.
func (t *Templates) Render(id string, data Data) (Message, error) {
	t.mu.RLock()
	c, ok := t.templates[id]
	t.mu.RUnlock()
	if !ok {
		return Message{}, oops.Code("MAIL_TEMPLATE_NOT_FOUND").With("template", id).Errorf("unknown template")
	}

	var msg Message
	var buf bytes.Buffer
	if err := c.subject.Execute(&buf, data); err != nil {
		return Message{}, oops.Code("MAIL_TEMPLATE_RENDER_FAILED").With("template", id).Wrap(err)
	}
	msg.Subject = buf.String()

	buf.Reset()
	if err := c.text.Execute(&buf, data); err != nil {
		return Message{}, oops.Code("MAIL_TEMPLATE_RENDER_FAILED").With("template", id).Wrap(err)
	}
	msg.Text = buf.String()

	if c.html != nil {
		buf.Reset()
		if err := c.html.Execute(&buf, data); err != nil {
			return Message{}, oops.Code("MAIL_TEMPLATE_RENDER_FAILED").With("template", id).Wrap(err)
		}
		msg.HTML = buf.String()
	}
	return msg, nil
}
