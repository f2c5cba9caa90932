package notify

import (
	"time"

	"jobnotifier/internal/models"
)

const dateLayout = "2006-01-02"

// JobExpiryReminder tells a posting's contact that it expires soon.
func JobExpiryReminder(posting models.JobPosting, now time.Time) *models.NotificationItem {
	days := int(posting.ExpiresAt.Sub(now).Hours() / 24)
	return &models.NotificationItem{
		Recipient:  posting.ContactEmail,
		Subject:    "Job Posting Expiry Reminder",
		TemplateID: TemplateJobExpiryReminder,
		Priority:   models.PriorityMedium,
		Data: map[string]any{
			"JobOrderId":      posting.ID,
			"JobTitle":        posting.Title,
			"ExpiryDate":      posting.ExpiresAt.UTC().Format(dateLayout),
			"DaysUntilExpiry": days,
		},
	}
}

func JobApplicationConfirmation(posting models.JobPosting, applicantEmail, applicantName string, now time.Time) *models.NotificationItem {
	return &models.NotificationItem{
		Recipient:  applicantEmail,
		Subject:    "Job Application Confirmation",
		TemplateID: TemplateJobApplication,
		Priority:   models.PriorityHigh,
		Data: map[string]any{
			"JobOrderId":      posting.ID,
			"JobTitle":        posting.Title,
			"ApplicantName":   applicantName,
			"ApplicationDate": now.UTC().Format(dateLayout),
		},
	}
}

// CompanyVerification picks the approved or the required template by the flag.
func CompanyVerification(company models.Company, now time.Time) *models.NotificationItem {
	item := &models.NotificationItem{
		Recipient:  company.Email,
		Subject:    "Company Verification Required",
		TemplateID: TemplateCompanyVerifyRequired,
		Priority:   models.PriorityMedium,
		Data: map[string]any{
			"CompanyName":      company.Name,
			"IsVerified":       company.IsVerified,
			"VerificationDate": now.UTC().Format(dateLayout),
		},
	}
	if company.IsVerified {
		item.Subject = "Company Verification Approved"
		item.TemplateID = TemplateCompanyVerified
	}
	return item
}

func ConsultationRequestConfirmation(consultationID string, req models.ConsultationRequest, now time.Time) *models.NotificationItem {
	return &models.NotificationItem{
		Recipient:  req.ClientEmail,
		Subject:    "Consultation Request Confirmation",
		TemplateID: TemplateConsultationConfirmation,
		Priority:   models.PriorityMedium,
		Data: map[string]any{
			"ConsultationId": consultationID,
			"ClientName":     req.ClientName,
			"Topic":          req.Topic,
			"RequestDate":    now.UTC().Format(dateLayout),
		},
	}
}

// Newsletter returns one low priority item per recipient.
func Newsletter(subject, content string, recipients []string) []*models.NotificationItem {
	items := make([]*models.NotificationItem, 0, len(recipients))
	for _, r := range recipients {
		items = append(items, &models.NotificationItem{
			Recipient:  r,
			Subject:    subject,
			Message:    content,
			TemplateID: TemplateNewsletter,
			Priority:   models.PriorityLow,
		})
	}
	return items
}
