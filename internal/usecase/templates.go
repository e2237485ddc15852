package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/V4T54L/leadflow/internal/domain"
)

const (
	coldEmailTemplate  = "Hi %s,\n\nI noticed you're the %s at %s. We help teams like yours get access to top-tier candidates fast using AI-sourced leads.\n\nWould you be open to a quick demo or a free list to start?\n\nBest,\nAILeadGen"
	icebreakerTemplate = "Saw you're doing great work at %s, especially in hiring tech talent. Thought I'd reach out!"
)

// TemplatePersonalizer fills fixed copy from lead fields. It never fails and
// makes no external calls.
type TemplatePersonalizer struct{}

// Generate implements domain.PersonalizationService.
func (TemplatePersonalizer) Generate(_ context.Context, lead domain.Lead) (domain.PersonalizedContent, error) {
	return TemplateContent(lead), nil
}

// TemplateContent renders the template copy for a lead.
func TemplateContent(lead domain.Lead) domain.PersonalizedContent {
	first := orDefault(lead.FirstName, "there")
	title := orDefault(lead.Title, "team lead")
	company := orDefault(lead.Company, "your company")
	return domain.PersonalizedContent{
		ColdEmail:  fmt.Sprintf(coldEmailTemplate, first, title, company),
		Icebreaker: fmt.Sprintf(icebreakerTemplate, company),
		Source:     domain.ContentSourceTemplate,
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
