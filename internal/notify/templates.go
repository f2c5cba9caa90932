package notify

import (
	"fmt"
	"sync"

	"github.com/aymerick/raymond"

	"jobnotifier/internal/errors"
)

// Template ids understood by the dispatcher out of the box
const (
	TemplateJobExpiryReminder        = "job-expiry-reminder"
	TemplateJobApplication           = "job-application-confirmation"
	TemplateCompanyVerified          = "company-verification-approved"
	TemplateCompanyVerifyRequired    = "company-verification-required"
	TemplateConsultationConfirmation = "consultation-request-confirmation"
	TemplateNewsletter               = "newsletter"
)

// Built-in templates produce plain text, so values use triple-stash and are
// never HTML-escaped.
var builtinTemplates = map[string][2]string{
	TemplateJobExpiryReminder: {
		"Job Posting Expiry Reminder: {{{JobTitle}}}",
		"Your job posting {{{JobTitle}}} expires on {{{ExpiryDate}}} ({{{DaysUntilExpiry}}} days left). " +
			"Renew it to keep receiving applications.",
	},
	TemplateJobApplication: {
		"Job Application Confirmation",
		"Hello {{{ApplicantName}}}, we received your application for {{{JobTitle}}} on {{{ApplicationDate}}}. " +
			"The employer will contact you at this address.",
	},
	TemplateCompanyVerified: {
		"Company Verification Approved",
		"Hello {{{CompanyName}}}, your company profile has been verified on {{{VerificationDate}}}.",
	},
	TemplateCompanyVerifyRequired: {
		"Company Verification Required",
		"Hello {{{CompanyName}}}, please complete the verification of your company profile.",
	},
	TemplateConsultationConfirmation: {
		"Consultation Request Confirmation",
		"Hello {{{ClientName}}}, we received your consultation request{{#if Topic}} about {{{Topic}}}{{/if}}. " +
			"Reference: {{{ConsultationId}}}.",
	},
	TemplateNewsletter: {
		"{{{Subject}}}",
		"{{{Message}}}",
	},
}

type compiledTemplate struct {
	subject *raymond.Template
	body    *raymond.Template
}

// Templates renders handlebars subject/body pairs by template id.
type Templates struct {
	mu        sync.RWMutex
	templates map[string]compiledTemplate
}

// NewTemplates returns a registry preloaded with the built-in templates.
func NewTemplates() *Templates {
	t := &Templates{templates: make(map[string]compiledTemplate)}
	for id, src := range builtinTemplates {
		if err := t.Register(id, src[0], src[1]); err != nil {
			panic(fmt.Sprintf("builtin template %s: %v", id, err))
		}
	}
	return t
}

// Register parses and stores a template, replacing any existing one with the same id.
func (t *Templates) Register(id, subject, body string) error {
	subjectTpl, err := raymond.Parse(subject)
	if err != nil {
		return errors.Wrapf(err, "parse subject of %s", id)
	}
	bodyTpl, err := raymond.Parse(body)
	if err != nil {
		return errors.Wrapf(err, "parse body of %s", id)
	}

	t.mu.Lock()
	t.templates[id] = compiledTemplate{subject: subjectTpl, body: bodyTpl}
	t.mu.Unlock()
	return nil
}

func (t *Templates) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.templates[id]
	return ok
}

// Render executes the template with data and returns subject and body.
func (t *Templates) Render(id string, data map[string]any) (string, string, error) {
	t.mu.RLock()
	tpl, ok := t.templates[id]
	t.mu.RUnlock()
	if !ok {
		return "", "", errors.Wrapf(errors.ErrNotFound, "template %s", id)
	}

	subject, err := tpl.subject.Exec(data)
	if err != nil {
		return "", "", errors.Wrapf(err, "render subject of %s", id)
	}
	body, err := tpl.body.Exec(data)
	if err != nil {
		return "", "", errors.Wrapf(err, "render body of %s", id)
	}
	return subject, body, nil
}
