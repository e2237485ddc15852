package domain

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Lead is a single prospect row taken from an uploaded batch.
// Its identity is the normalized email.
type Lead struct {
	ID              string               `json:"id"`
	BatchID         string               `json:"batch_id"`
	Row             int                  `json:"row"`
	Email           string               `json:"email"`
	NormalizedEmail string               `json:"normalized_email"`
	FirstName       string               `json:"first_name,omitempty"`
	LastName        string               `json:"last_name,omitempty"`
	Company         string               `json:"company,omitempty"`
	Title           string               `json:"title,omitempty"`
	LinkedIn        string               `json:"linkedin,omitempty"`
	Fields          map[string]string    `json:"fields,omitempty"`
	IngestedAt      time.Time            `json:"ingested_at"`
	Personalization *PersonalizedContent `json:"personalization,omitempty"`
	ClientID        string               `json:"client_id,omitempty"`
}

// PersonalizedContent is the outreach copy generated for a lead.
type PersonalizedContent struct {
	ColdEmail  string `json:"cold_email"`
	Icebreaker string `json:"icebreaker"`
	Source     string `json:"source"` // "ai" or "template"
}

const (
	ContentSourceAI       = "ai"
	ContentSourceTemplate = "template"
)

// NormalizeEmail lower-cases and trims an address. With stripPlusAlias the
// "+tag" suffix of the local part is dropped as well. Applying it twice yields
// the same result as applying it once.
func NormalizeEmail(raw string, stripPlusAlias bool) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if !stripPlusAlias {
		return email
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	local, host := email[:at], email[at:]
	if plus := strings.Index(local, "+"); plus > 0 {
		local = local[:plus]
	}
	return local + host
}

// Fingerprint identifies a lead by email and company, matching how delivered
// leads are keyed in history.
func (l Lead) Fingerprint() string {
	sum := md5.Sum([]byte(strings.ToLower(l.Email) + "_" + strings.ToLower(l.Company)))
	return hex.EncodeToString(sum[:])
}

// FullName joins first and last name.
func (l Lead) FullName() string {
	return strings.TrimSpace(l.FirstName + " " + l.LastName)
}

// LinkedInURL returns the lead's profile URL, guessing one from the name when
// the upload did not carry it.
func (l Lead) LinkedInURL() string {
	if l.LinkedIn != "" {
		return l.LinkedIn
	}
	return "https://linkedin.com/in/" + strings.ToLower(l.FirstName) + strings.ToLower(l.LastName)
}
