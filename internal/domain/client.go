package domain

import (
	"fmt"
	"strings"
	"time"
)

// Plan describes what a subscription tier entitles a client to.
type Plan struct {
	Name              string `json:"name" yaml:"name"`
	MaxLeads          int    `json:"max_leads" yaml:"max_leads"`
	Priority          int    `json:"priority" yaml:"priority"` // 1 is served first
	AIPersonalization bool   `json:"ai_personalization" yaml:"ai_personalization"`
	ExclusiveOption   bool   `json:"exclusive_option" yaml:"exclusive_option"`
}

// DefaultPlans is the built-in plan catalog.
func DefaultPlans() map[string]Plan {
	return map[string]Plan{
		"basic":   {Name: "basic", MaxLeads: 100, Priority: 3},
		"pro":     {Name: "pro", MaxLeads: 250, Priority: 2, AIPersonalization: true, ExclusiveOption: true},
		"premium": {Name: "premium", MaxLeads: 500, Priority: 1, AIPersonalization: true, ExclusiveOption: true},
	}
}

// DeliveryPreferences controls how a client receives its leads.
type DeliveryPreferences struct {
	Format        string `json:"format" yaml:"format"`
	DriveFolderID string `json:"drive_folder_id,omitempty" yaml:"drive_folder_id"`
	NotifyEmail   string `json:"notify_email,omitempty" yaml:"notify_email"`
}

// Client is a lead buyer with a per-period quota.
type Client struct {
	ID             string              `json:"id" yaml:"id"`
	Name           string              `json:"name" yaml:"name"`
	Email          string              `json:"email" yaml:"email"`
	Plan           Plan                `json:"plan" yaml:"plan"`
	PlanQuota      int                 `json:"plan_quota" yaml:"plan_quota"`
	RemainingQuota int                 `json:"remaining_quota" yaml:"remaining_quota"`
	PeriodStart    time.Time           `json:"period_start" yaml:"period_start"`
	Priority       int                 `json:"priority,omitempty" yaml:"priority"`
	Exclusive      bool                `json:"exclusive" yaml:"exclusive"`
	Active         bool                `json:"active" yaml:"active"`
	Delivery       DeliveryPreferences `json:"delivery" yaml:"delivery"`
	CreatedAt      time.Time           `json:"created_at" yaml:"-"`
}

// EffectivePriority is the explicit priority when set, otherwise the plan's.
func (c Client) EffectivePriority() int {
	if c.Priority > 0 {
		return c.Priority
	}
	return c.Plan.Priority
}

// NotifyAddress is where delivery notifications go.
func (c Client) NotifyAddress() string {
	if c.Delivery.NotifyEmail != "" {
		return c.Delivery.NotifyEmail
	}
	return c.Email
}

// FolderName is the per-client delivery folder, e.g. "Acme_Pro_Exclusive".
func (c Client) FolderName() string {
	kind := "Shared"
	if c.Exclusive {
		kind = "Exclusive"
	}
	plan := c.Plan.Name
	if plan != "" {
		plan = strings.ToUpper(plan[:1]) + plan[1:]
	}
	return fmt.Sprintf("%s_%s_%s", c.Name, plan, kind)
}

// Validate checks the invariants a client must hold before it is stored.
func (c Client) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if strings.TrimSpace(c.Email) == "" {
		return &ValidationError{Field: "email", Message: "is required"}
	}
	if c.PlanQuota <= 0 {
		return &ValidationError{Field: "plan_quota", Message: "must be greater than 0"}
	}
	if c.RemainingQuota < 0 || c.RemainingQuota > c.PlanQuota {
		return &ValidationError{Field: "remaining_quota", Message: "must be between 0 and plan_quota"}
	}
	if c.Exclusive && !c.Plan.ExclusiveOption {
		return &ValidationError{Field: "exclusive", Message: "plan " + c.Plan.Name + " does not allow exclusive delivery"}
	}
	return nil
}

// QuotaPeriod is the cadence at which remaining quota resets.
type QuotaPeriod string

const (
	PeriodDaily   QuotaPeriod = "daily"
	PeriodWeekly  QuotaPeriod = "weekly"
	PeriodMonthly QuotaPeriod = "monthly"
)

// ParseQuotaPeriod maps a config string to a QuotaPeriod.
func ParseQuotaPeriod(s string) (QuotaPeriod, error) {
	switch QuotaPeriod(strings.ToLower(strings.TrimSpace(s))) {
	case PeriodDaily:
		return PeriodDaily, nil
	case PeriodWeekly:
		return PeriodWeekly, nil
	case PeriodMonthly, "":
		return PeriodMonthly, nil
	}
	return "", fmt.Errorf("unknown quota period %q", s)
}

// Start returns the beginning (UTC) of the period containing t.
// Weeks start on Monday.
func (p QuotaPeriod) Start(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodDaily:
		return day
	case PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// Key renders the period containing t, e.g. "2026-10" for monthly.
func (p QuotaPeriod) Key(t time.Time) string {
	start := p.Start(t)
	switch p {
	case PeriodDaily, PeriodWeekly:
		return start.Format("2006-01-02")
	default:
		return start.Format("2006-01")
	}
}

// RollPeriod resets the remaining quota when now falls in a later period than
// PeriodStart. It reports whether a reset happened.
func (c *Client) RollPeriod(now time.Time, period QuotaPeriod) bool {
	current := period.Start(now)
	if !c.PeriodStart.IsZero() && !period.Start(c.PeriodStart).Before(current) {
		return false
	}
	c.PeriodStart = current
	c.RemainingQuota = c.PlanQuota
	return true
}
