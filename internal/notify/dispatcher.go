package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"jobnotifier/internal/models"
)

// Dispatcher performs single delivery attempts. Retrying is the caller's job.
type Dispatcher struct {
	backend   Backend
	templates *Templates
	log       *zap.SugaredLogger
}

func NewDispatcher(backend Backend, templates *Templates, log *zap.SugaredLogger) *Dispatcher {
	if templates == nil {
		templates = NewTemplates()
	}
	return &Dispatcher{
		backend:   backend,
		templates: templates,
		log:       log.Named("dispatcher"),
	}
}

// Dispatch makes one delivery attempt and reports the outcome. It never
// panics and writes exactly one log record.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) models.DispatchResult {
	start := time.Now()
	result, fallback := d.attempt(ctx, req)

	fields := []any{
		"channel", req.Channel,
		"recipient", req.Recipient,
		"template", req.TemplateID,
		"duration", time.Since(start),
	}
	if fallback != "" {
		fields = append(fields, "template_error", fallback)
	}

	if result.Success {
		d.log.Infow("notification dispatched", append(fields, "message_id", result.MessageID)...)
	} else {
		d.log.Errorw("notification dispatch failed", append(fields, "reason", result.Reason)...)
	}
	return result
}

func (d *Dispatcher) attempt(ctx context.Context, req models.DispatchRequest) (result models.DispatchResult, fallback string) {
	defer func() {
		if r := recover(); r != nil {
			result = models.DispatchResult{Reason: fmt.Sprintf("backend panic: %v", r)}
		}
	}()

	if strings.TrimSpace(req.Recipient) == "" {
		return models.DispatchResult{Reason: "recipient is required"}, ""
	}
	if !req.Channel.Valid() {
		return models.DispatchResult{Reason: fmt.Sprintf("unsupported channel %q", req.Channel)}, ""
	}

	subject, body := req.Subject, req.Body
	if req.TemplateID != "" && d.templates.Has(req.TemplateID) {
		s, b, err := d.templates.Render(req.TemplateID, templateData(req))
		if err != nil {
			fallback = err.Error()
		} else {
			subject, body = s, b
		}
	}

	switch req.Channel {
	case models.ChannelEmail:
		id, err := d.backend.SendEmail(ctx, EmailMessage{To: req.Recipient, Subject: subject, Text: body})
		if err != nil {
			return models.DispatchResult{Reason: err.Error()}, fallback
		}
		return models.DispatchResult{Success: true, MessageID: id}, fallback
	case models.ChannelSMS:
		if err := d.backend.SendSMS(ctx, req.Recipient, body); err != nil {
			return models.DispatchResult{Reason: err.Error()}, fallback
		}
	case models.ChannelPush:
		if err := d.backend.SendPush(ctx, req.Recipient, subject, body, req.Data); err != nil {
			return models.DispatchResult{Reason: err.Error()}, fallback
		}
	}
	return models.DispatchResult{Success: true}, fallback
}

// templateData merges the request fields into the payload without
// overwriting keys the caller set.
func templateData(req models.DispatchRequest) map[string]any {
	data := make(map[string]any, len(req.Data)+3)
	for k, v := range req.Data {
		data[k] = v
	}
	for k, v := range map[string]any{
		"Subject":   req.Subject,
		"Message":   req.Body,
		"Recipient": req.Recipient,
	} {
		if _, ok := data[k]; !ok {
			data[k] = v
		}
	}
	return data
}
