package domain

import "time"

// RawRow is one CSV line keyed by lower-cased header.
type RawRow struct {
	Row    int               `json:"row"`
	Fields map[string]string `json:"fields"`
}

// Batch is one upload's worth of leads processed together.
type Batch struct {
	ID              string    `json:"batch_id"`
	Source          string    `json:"source,omitempty"`
	UploadedAt      time.Time `json:"uploaded_at"`
	Rows            []RawRow  `json:"rows"`
	CarryOver       bool      `json:"carry_over,omitempty"`
	PIIRedacted     bool      `json:"pii_redacted,omitempty"`
	StreamMessageID string    `json:"-"`
	// Requeued marks a batch replayed from the dead-letter stream; its run
	// continues from the stored checkpoint.
	Requeued bool `json:"-"`
}

// RejectReason classifies why a lead left the pipeline before delivery.
type RejectReason string

const (
	ReasonInvalidRow          RejectReason = "invalid_row"
	ReasonDuplicateInBatch    RejectReason = "duplicate_in_batch"
	ReasonDuplicateHistorical RejectReason = "duplicate_historical"
	ReasonQuotaExhausted      RejectReason = "quota_exhausted"
)

// RejectedLead pairs a lead with its reject reason.
type RejectedLead struct {
	Lead   Lead         `json:"lead"`
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

// Stage is a step of a batch run.
type Stage string

const (
	StageReceived     Stage = "received"
	StageValidated    Stage = "validated"
	StageDeduplicated Stage = "deduplicated"
	StagePersonalized Stage = "personalized"
	StageAllocated    Stage = "allocated"
	StageDelivered    Stage = "delivered"
	StageLogged       Stage = "logged"
	StageComplete     Stage = "complete"
)

var stageOrder = map[Stage]int{
	StageReceived:     0,
	StageValidated:    1,
	StageDeduplicated: 2,
	StagePersonalized: 3,
	StageAllocated:    4,
	StageDelivered:    5,
	StageLogged:       6,
	StageComplete:     7,
}

// Reached reports whether s is at or past other.
func (s Stage) Reached(other Stage) bool {
	return stageOrder[s] >= stageOrder[other]
}

// RunStatus is the terminal outcome of a run.
type RunStatus string

const (
	StatusComplete             RunStatus = "complete"
	StatusCompleteWithWarnings RunStatus = "complete_with_warnings"
	StatusFailed               RunStatus = "failed"
)

// DeliveryReceipt is what a sink returns once a client's leads are out.
type DeliveryReceipt struct {
	DeliveryID  string    `json:"delivery_id"`
	BatchID     string    `json:"batch_id"`
	ClientID    string    `json:"client_id"`
	ClientName  string    `json:"client_name"`
	LeadCount   int       `json:"lead_count"`
	FilePath    string    `json:"file_path,omitempty"`
	FileURL     string    `json:"file_url,omitempty"`
	Notified    bool      `json:"notified"`
	Warnings    []string  `json:"warnings,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Summary holds the counts of a run.
type Summary struct {
	Received            int `json:"received"`
	Invalid             int `json:"invalid"`
	DuplicateInBatch    int `json:"duplicate_in_batch"`
	DuplicateHistorical int `json:"duplicate_historical"`
	Accepted            int `json:"accepted"`
	Allocated           int `json:"allocated"`
	Leftover            int `json:"leftover"`
	Delivered           int `json:"delivered"`
	AIPersonalized      int `json:"ai_personalized"`
	TemplateFallbacks   int `json:"template_fallbacks"`
}

// BatchResult is the report of one run. It lives for the duration of the run
// and is handed to the caller; the core does not persist it.
type BatchResult struct {
	BatchID      string            `json:"batch_id"`
	Status       RunStatus         `json:"status"`
	Stage        Stage             `json:"stage"`
	FailedStage  Stage             `json:"failed_stage,omitempty"`
	Cause        string            `json:"cause,omitempty"`
	Accepted     []Lead            `json:"accepted"`
	Rejected     []RejectedLead    `json:"rejected"`
	Allocations  map[string][]Lead `json:"allocations"`
	Leftover     []Lead            `json:"leftover"`
	Receipts     []DeliveryReceipt `json:"receipts"`
	ClientErrors map[string]string `json:"client_errors,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	Pending      []string          `json:"pending,omitempty"`
	Summary      Summary           `json:"summary"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// Checkpoint is the durable progress of a run, used to resume without
// repeating committed work.
type Checkpoint struct {
	BatchID    string                         `json:"batch_id"`
	Stage      Stage                          `json:"stage"`
	Batch      Batch                          `json:"batch"`
	Unique     []Lead                         `json:"unique"`
	Rejected   []RejectedLead                 `json:"rejected"`
	Content    map[string]PersonalizedContent `json:"content,omitempty"`
	Allocation *Allocation                    `json:"allocation,omitempty"`
	Delivered  map[string]DeliveryReceipt     `json:"delivered,omitempty"`
	Logged     map[string]bool                `json:"logged,omitempty"`
	Result     *BatchResult                   `json:"result,omitempty"`
	UpdatedAt  time.Time                      `json:"updated_at"`
}

// Allocation is an assignment of leads to clients. It is checkpointed as a
// proposal before its quota is committed; CommittedAt is set once the commit
// succeeded.
type Allocation struct {
	Assignments map[string][]Lead `json:"assignments"`
	Order       []string          `json:"order"`
	Leftover    []Lead            `json:"leftover"`
	CommittedAt time.Time         `json:"committed_at,omitempty"`
}

// Committed reports whether the allocation's quota decrement went through.
func (a *Allocation) Committed() bool {
	return a != nil && !a.CommittedAt.IsZero()
}

// Counts returns the number of leads per client.
func (a Allocation) Counts() map[string]int {
	out := make(map[string]int, len(a.Assignments))
	for id, leads := range a.Assignments {
		out[id] = len(leads)
	}
	return out
}
