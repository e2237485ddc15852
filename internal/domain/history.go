package domain

import "time"

// HistoryEntry records one lead delivered to one client. Entries are only ever
// appended.
type HistoryEntry struct {
	Email       string    `json:"email"`
	ClientID    string    `json:"client_id"`
	BatchID     string    `json:"batch_id"`
	Fingerprint string    `json:"fingerprint"`
	Exclusive   bool      `json:"exclusive"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// HistoryLookup is the read-only view the deduplicator checks against.
type HistoryLookup interface {
	Delivered(email string) (HistoryEntry, bool)
}

// HistorySnapshot holds the latest delivery per normalized email, captured
// once before deduplication starts.
type HistorySnapshot map[string]HistoryEntry

// Delivered implements HistoryLookup.
func (s HistorySnapshot) Delivered(email string) (HistoryEntry, bool) {
	e, ok := s[email]
	return e, ok
}

// Add keeps the most recent entry per email. An exclusive entry is never
// replaced by a shared one.
func (s HistorySnapshot) Add(e HistoryEntry) {
	prev, ok := s[e.Email]
	switch {
	case !ok:
		s[e.Email] = e
	case prev.Exclusive != e.Exclusive:
		if e.Exclusive {
			s[e.Email] = e
		}
	case e.DeliveredAt.After(prev.DeliveredAt):
		s[e.Email] = e
	}
}

// DeliveryRecord groups the emails delivered to one client in one quota period.
type DeliveryRecord struct {
	ClientID string   `json:"client_id"`
	Period   string   `json:"period"`
	Emails   []string `json:"emails"`
}

// GroupDeliveryRecords folds history entries into per-client, per-period records.
func GroupDeliveryRecords(entries []HistoryEntry, period QuotaPeriod) []DeliveryRecord {
	index := make(map[[2]string]int)
	var out []DeliveryRecord
	for _, e := range entries {
		key := [2]string{e.ClientID, period.Key(e.DeliveredAt)}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, DeliveryRecord{ClientID: key[0], Period: key[1]})
		}
		out[i].Emails = append(out[i].Emails, e.Email)
	}
	return out
}
