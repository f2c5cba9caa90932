package models

import (
	"time"
)

// Priority orders queued notifications. Lower values are served first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

// Normalize maps the zero value and out-of-range values to PriorityMedium.
func (p Priority) Normalize() Priority {
	if p < PriorityHigh || p > PriorityLow {
		return PriorityMedium
	}
	return p
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Valid reports whether c is one of the supported delivery channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// NotificationItem is one pending outbound message. It is owned by the queue
// from Enqueue until it is delivered or dropped and is never persisted.
type NotificationItem struct {
	ID          string         `json:"id"`
	Channel     Channel        `json:"channel,omitempty"`
	Recipient   string         `json:"recipient"`
	Subject     string         `json:"subject"`
	Message     string         `json:"message"`
	TemplateID  string         `json:"template_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Priority    Priority       `json:"priority"`
	CreatedAt   time.Time      `json:"created_at"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
}

// DispatchRequest is a fully formed single-attempt delivery request.
type DispatchRequest struct {
	Channel    Channel
	Recipient  string
	Subject    string
	Body       string
	TemplateID string
	Data       map[string]any
}

// RequestFor converts a queued item into a dispatch request.
func RequestFor(item *NotificationItem) DispatchRequest {
	channel := item.Channel
	if channel == "" {
		channel = ChannelEmail
	}
	return DispatchRequest{
		Channel:    channel,
		Recipient:  item.Recipient,
		Subject:    item.Subject,
		Body:       item.Message,
		TemplateID: item.TemplateID,
		Data:       item.Data,
	}
}

// DispatchResult is the outcome of one delivery attempt.
type DispatchResult struct {
	Success   bool
	Reason    string
	MessageID string
}

type JobPosting struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	CompanyID        string    `json:"company_id,omitempty"`
	CompanyName      string    `json:"company_name,omitempty"`
	ContactEmail     string    `json:"contact_email,omitempty"`
	ContactPhone     string    `json:"contact_phone,omitempty"`
	Location         string    `json:"location,omitempty"`
	PostedAt         time.Time `json:"posted_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	IsActive         bool      `json:"is_active"`
	ApplicationCount int       `json:"application_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Company struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Email            string     `json:"email,omitempty"`
	IsVerified       bool       `json:"is_verified"`
	JobCount         int        `json:"job_count"`
	ActiveJobCount   int        `json:"active_job_count"`
	ApplicationCount int        `json:"application_count"`
	StatsUpdatedAt   *time.Time `json:"stats_updated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// DeadLetter records an item dropped after exhausting its retries.
type DeadLetter struct {
	Item      NotificationItem `json:"item"`
	Reason    string           `json:"reason"`
	DroppedAt time.Time        `json:"dropped_at"`
}

type CreateNotificationRequest struct {
	Channel    Channel        `json:"channel,omitempty"`
	Recipient  string         `json:"recipient"`
	Subject    string         `json:"subject"`
	Message    string         `json:"message"`
	TemplateID string         `json:"template_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Priority   Priority       `json:"priority,omitempty"`
}

type CreateJobPostingRequest struct {
	Title        string    `json:"title"`
	CompanyID    string    `json:"company_id,omitempty"`
	CompanyName  string    `json:"company_name,omitempty"`
	ContactEmail string    `json:"contact_email,omitempty"`
	ContactPhone string    `json:"contact_phone,omitempty"`
	Location     string    `json:"location,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type JobApplicationRequest struct {
	ApplicantName  string `json:"applicant_name"`
	ApplicantEmail string `json:"applicant_email"`
}

type CreateCompanyRequest struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type CompanyVerificationRequest struct {
	Verified bool `json:"verified"`
}

type ConsultationRequest struct {
	ClientName  string `json:"client_name"`
	ClientEmail string `json:"client_email"`
	Topic       string `json:"topic,omitempty"`
}

type NewsletterRequest struct {
	Subject    string   `json:"subject"`
	Content    string   `json:"content"`
	Recipients []string `json:"recipients"`
}
