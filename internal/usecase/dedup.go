package usecase

import (
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
)

// DedupConfig controls duplicate detection. WindowDays <= 0 checks all history.
type DedupConfig struct {
	StripPlusAlias bool
	WindowDays     int
	Now            func() time.Time
}

// Deduplicator removes leads repeated within a batch or already delivered.
// It holds no state between calls.
type Deduplicator struct {
	cfg DedupConfig
}

// NewDeduplicator creates a Deduplicator.
func NewDeduplicator(cfg DedupConfig) *Deduplicator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Deduplicator{cfg: cfg}
}

// Deduplicate keeps the first occurrence of each normalized email in input
// order. Later occurrences are rejected duplicate_in_batch; emails found in
// history are rejected duplicate_historical. Exclusive history blocks an email
// regardless of the window.
func (d *Deduplicator) Deduplicate(batch []domain.Lead, history domain.HistoryLookup) ([]domain.Lead, []domain.RejectedLead) {
	var cutoff time.Time
	if d.cfg.WindowDays > 0 {
		cutoff = d.cfg.Now().UTC().AddDate(0, 0, -d.cfg.WindowDays)
	}

	seen := make(map[string]struct{}, len(batch))
	unique := make([]domain.Lead, 0, len(batch))
	var rejected []domain.RejectedLead

	for _, lead := range batch {
		lead.NormalizedEmail = domain.NormalizeEmail(lead.Email, d.cfg.StripPlusAlias)
		key := lead.NormalizedEmail

		if _, dup := seen[key]; dup {
			rejected = append(rejected, domain.RejectedLead{Lead: lead, Reason: domain.ReasonDuplicateInBatch})
			continue
		}
		seen[key] = struct{}{}

		if history != nil {
			if entry, ok := history.Delivered(key); ok && (entry.Exclusive || !entry.DeliveredAt.Before(cutoff)) {
				rejected = append(rejected, domain.RejectedLead{
					Lead:   lead,
					Reason: domain.ReasonDuplicateHistorical,
					Detail: "delivered to " + entry.ClientID + " at " + entry.DeliveredAt.Format(time.RFC3339),
				})
				continue
			}
		}
		unique = append(unique, lead)
	}
	return unique, rejected
}

// PruneCutoffs returns the dates before which shared and exclusive history can
// be dropped: twice the dedup window for shared entries, exclusiveRetention for
// exclusive ones. A zero time means keep everything.
func (d *Deduplicator) PruneCutoffs(exclusiveRetention time.Duration) (shared, exclusive time.Time) {
	now := d.cfg.Now().UTC()
	if d.cfg.WindowDays > 0 {
		shared = now.AddDate(0, 0, -2*d.cfg.WindowDays)
	}
	if exclusiveRetention > 0 {
		exclusive = now.Add(-exclusiveRetention)
	}
	return shared, exclusive
}
