package usecase

import (
	"regexp"
	"strings"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/google/uuid"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether s looks like a deliverable address.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(strings.TrimSpace(s))
}

// LeadValidator turns raw CSV rows into leads.
type LeadValidator struct {
	required       []string
	stripPlusAlias bool
	now            func() time.Time
}

// NewLeadValidator creates a validator. email is always required; required
// lists the additional columns.
func NewLeadValidator(required []string, stripPlusAlias bool, now func() time.Time) *LeadValidator {
	if now == nil {
		now = time.Now
	}
	return &LeadValidator{required: required, stripPlusAlias: stripPlusAlias, now: now}
}

// Validate converts rows in order. Bad rows are returned as rejects with
// reason invalid_row and never stop the batch.
func (v *LeadValidator) Validate(batch domain.Batch) ([]domain.Lead, []domain.RejectedLead) {
	leads := make([]domain.Lead, 0, len(batch.Rows))
	var rejected []domain.RejectedLead
	now := v.now().UTC()

	for _, row := range batch.Rows {
		lead := leadFromRow(batch.ID, row, now)
		if err := v.check(row, lead); err != nil {
			rejected = append(rejected, domain.RejectedLead{Lead: lead, Reason: domain.ReasonInvalidRow, Detail: err.Error()})
			continue
		}
		lead.NormalizedEmail = domain.NormalizeEmail(lead.Email, v.stripPlusAlias)
		leads = append(leads, lead)
	}
	return leads, rejected
}

func (v *LeadValidator) check(row domain.RawRow, lead domain.Lead) *domain.ValidationError {
	if strings.TrimSpace(lead.Email) == "" {
		return &domain.ValidationError{Row: row.Row, Field: "email", Message: "is required"}
	}
	for _, f := range v.required {
		if strings.TrimSpace(row.Fields[f]) == "" {
			return &domain.ValidationError{Row: row.Row, Field: f, Message: "is required"}
		}
	}
	if !ValidEmail(lead.Email) {
		return &domain.ValidationError{Row: row.Row, Field: "email", Message: "is not a valid address"}
	}
	return nil
}

func leadFromRow(batchID string, row domain.RawRow, now time.Time) domain.Lead {
	f := row.Fields
	return domain.Lead{
		ID:         uuid.NewString(),
		BatchID:    batchID,
		Row:        row.Row,
		Email:      strings.TrimSpace(f["email"]),
		FirstName:  strings.TrimSpace(f["first_name"]),
		LastName:   strings.TrimSpace(f["last_name"]),
		Company:    strings.TrimSpace(f["company"]),
		Title:      strings.TrimSpace(f["title"]),
		LinkedIn:   strings.TrimSpace(f["linkedin"]),
		Fields:     f,
		IngestedAt: now,
	}
}
