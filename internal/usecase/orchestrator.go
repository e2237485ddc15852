package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/google/uuid"
)

// OrchestratorDeps are the collaborators of a batch run. Leftovers and
// Metrics are optional; everything else is required.
type OrchestratorDeps struct {
	History         domain.HistoryStore
	Clients         domain.ClientRepository
	Personalization domain.PersonalizationService
	Sink            domain.DeliverySink
	Crm             domain.CrmLogger
	Checkpoints     domain.CheckpointStore
	Locker          domain.RunLocker
	Leftovers       domain.LeftoverQueue
	Metrics         PipelineRecorder
}

// Orchestrator drives one batch through every stage of a run.
type Orchestrator struct {
	deps         OrchestratorDeps
	cfg          PipelineConfig
	validator    *LeadValidator
	dedup        *Deduplicator
	allocator    *Allocator
	personalizer *Personalizer
	metrics      PipelineRecorder
	logger       *slog.Logger
	configErr    error
}

// NewOrchestrator wires a run. Missing required collaborators are reported by
// Run and Resume as ErrFatalConfiguration.
func NewOrchestrator(deps OrchestratorDeps, cfg PipelineConfig, logger *slog.Logger) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if cfg.Dedup.Now == nil {
		cfg.Dedup.Now = cfg.now
	}
	if cfg.CommitAttempts < 1 {
		cfg.CommitAttempts = 1
	}
	logger = logger.With("component", "orchestrator")
	return &Orchestrator{
		deps:         deps,
		cfg:          cfg,
		validator:    NewLeadValidator(cfg.RequiredFields, cfg.Dedup.StripPlusAlias, cfg.now),
		dedup:        NewDeduplicator(cfg.Dedup),
		allocator:    NewAllocator(cfg.Allocator),
		personalizer: NewPersonalizer(deps.Personalization, cfg.Workers, cfg.ExternalCallTimeout, cfg.Retry, deps.Metrics, logger),
		metrics:      deps.Metrics,
		logger:       logger,
		configErr:    checkDeps(deps),
	}
}

func checkDeps(d OrchestratorDeps) error {
	var missing []string
	if d.History == nil {
		missing = append(missing, "history store")
	}
	if d.Clients == nil {
		missing = append(missing, "client repository")
	}
	if d.Personalization == nil {
		missing = append(missing, "personalization service")
	}
	if d.Sink == nil {
		missing = append(missing, "delivery sink")
	}
	if d.Crm == nil {
		missing = append(missing, "crm logger")
	}
	if d.Checkpoints == nil {
		missing = append(missing, "checkpoint store")
	}
	if d.Locker == nil {
		missing = append(missing, "run locker")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", domain.ErrFatalConfiguration, missing)
	}
	return nil
}

// Run processes a freshly received batch.
func (o *Orchestrator) Run(ctx context.Context, batch domain.Batch) (*domain.BatchResult, error) {
	if o.configErr != nil {
		return nil, o.configErr
	}
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	release, err := o.deps.Locker.Acquire(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if batch.Requeued {
		cp, err := o.deps.Checkpoints.Load(ctx, batch.ID)
		switch {
		case err == nil:
			if cp.Stage == domain.StageComplete && cp.Result != nil {
				return cp.Result, nil
			}
			o.logger.Info("continuing requeued batch", "batch_id", batch.ID, "stage", cp.Stage)
			return o.execute(ctx, cp)
		case !errors.Is(err, domain.ErrCheckpointNotFound):
			return nil, fmt.Errorf("load checkpoint %s: %w", batch.ID, err)
		}
	}

	cp := &domain.Checkpoint{BatchID: batch.ID, Stage: domain.StageReceived, Batch: batch}
	if err := o.save(ctx, cp); err != nil {
		res := o.newResult(cp, o.cfg.now())
		return o.fail(res, domain.StageReceived, err)
	}
	return o.execute(ctx, cp)
}

// Resume continues a run from its last checkpoint. Work already committed
// (dedup output, personalization, allocation, deliveries, CRM entries) is
// reused, never repeated.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) (*domain.BatchResult, error) {
	if o.configErr != nil {
		return nil, o.configErr
	}
	release, err := o.deps.Locker.Acquire(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer release()

	cp, err := o.deps.Checkpoints.Load(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", batchID, err)
	}
	if cp.Stage == domain.StageComplete && cp.Result != nil {
		return cp.Result, nil
	}
	o.logger.Info("resuming batch run", "batch_id", batchID, "stage", cp.Stage)
	return o.execute(ctx, cp)
}

func (o *Orchestrator) execute(ctx context.Context, cp *domain.Checkpoint) (*domain.BatchResult, error) {
	res := o.newResult(cp, o.cfg.now())
	log := o.logger.With("batch_id", cp.BatchID)

	if !cp.Stage.Reached(domain.StageDeduplicated) {
		if err := o.deduplicate(ctx, cp); err != nil {
			return o.fail(res, domain.StageDeduplicated, err)
		}
		log.Info("batch deduplicated", "unique", len(cp.Unique), "rejected", len(cp.Rejected))
	}
	res.Stage = domain.StageDeduplicated
	res.Accepted = cp.Unique
	res.Rejected = append(res.Rejected[:0], cp.Rejected...)

	if !cp.Stage.Reached(domain.StagePersonalized) {
		if err := o.personalize(ctx, cp); err != nil {
			return o.fail(res, domain.StagePersonalized, err)
		}
	}
	res.Stage = domain.StagePersonalized
	stats := countContent(cp.Content)
	res.Summary.AIPersonalized, res.Summary.TemplateFallbacks = stats.AI, stats.Fallbacks

	if !cp.Allocation.Committed() {
		if err := o.allocate(ctx, cp, res); err != nil {
			return o.fail(res, domain.StageAllocated, err)
		}
		log.Info("batch allocated", "clients", len(cp.Allocation.Assignments), "leftover", len(cp.Allocation.Leftover))
	}
	res.Stage = domain.StageAllocated
	res.Allocations = cp.Allocation.Assignments
	res.Leftover = cp.Allocation.Leftover
	for _, l := range res.Leftover {
		res.Rejected = append(res.Rejected, domain.RejectedLead{Lead: l, Reason: domain.ReasonQuotaExhausted})
	}

	if err := o.deliver(ctx, cp, res); err != nil {
		return o.fail(res, domain.StageDelivered, err)
	}
	res.Stage = domain.StageDelivered

	if err := o.logReceipts(ctx, cp, res); err != nil {
		return o.fail(res, domain.StageLogged, err)
	}
	res.Stage = domain.StageLogged

	return o.complete(ctx, cp, res)
}

func (o *Orchestrator) deduplicate(ctx context.Context, cp *domain.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	valid, invalid := o.validator.Validate(cp.Batch)
	cp.Stage = domain.StageValidated

	emails := make([]string, 0, len(valid))
	for _, l := range valid {
		emails = append(emails, domain.NormalizeEmail(l.Email, o.cfg.Dedup.StripPlusAlias))
	}
	var snapshot domain.HistorySnapshot
	err := o.cfg.Retry.do(ctx, o.logger, "history.lookup", func(ctx context.Context) error {
		var err error
		snapshot, err = o.deps.History.Lookup(ctx, emails)
		return err
	})
	if err != nil {
		return fmt.Errorf("history lookup: %w", err)
	}

	unique, dups := o.dedup.Deduplicate(valid, snapshot)
	cp.Unique = unique
	cp.Rejected = append(invalid, dups...)
	cp.Stage = domain.StageDeduplicated
	o.metrics.StageDuration(string(domain.StageDeduplicated), time.Since(start))
	return o.save(ctx, cp)
}

func (o *Orchestrator) personalize(ctx context.Context, cp *domain.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	content, err := o.personalizer.Personalize(ctx, cp.Unique)
	if err != nil {
		return err
	}
	cp.Content = content
	cp.Stage = domain.StagePersonalized
	o.metrics.StageDuration(string(domain.StagePersonalized), time.Since(start))
	return o.save(ctx, cp)
}

// allocate proposes an assignment against fresh client state, checkpoints the
// proposal and then commits its quota. A proposal found in the checkpoint is
// committed again as is: the commit is idempotent per batch, so a decrement
// that already went through is never paired with a different assignment.
// ErrQuotaConflict means nothing was committed; the proposal is then rebuilt
// from reloaded clients.
func (o *Orchestrator) allocate(ctx context.Context, cp *domain.Checkpoint, res *domain.BatchResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	committed := false
	var remaining map[string]int
	for attempt := 1; attempt <= o.cfg.CommitAttempts && !committed; attempt++ {
		if cp.Allocation == nil {
			clients, err := o.loadClients(ctx)
			if err != nil {
				return err
			}
			proposal := o.allocator.Allocate(cp.Unique, clients)
			remaining = proposal.Remaining
			cp.Allocation = &domain.Allocation{
				Assignments: proposal.Assignments,
				Order:       proposal.Order,
				Leftover:    proposal.Leftover,
			}
			if err := o.save(ctx, cp); err != nil {
				cp.Allocation = nil
				return err
			}
		} else {
			o.logger.Info("committing checkpointed allocation", "batch_id", cp.BatchID)
		}

		err := o.deps.Clients.CommitAllocation(ctx, cp.BatchID, cp.Allocation.Counts())
		switch {
		case err == nil:
			committed = true
		case errors.Is(err, domain.ErrQuotaConflict):
			o.logger.Warn("quota changed during allocation, re-allocating", "batch_id", cp.BatchID, "attempt", attempt)
			cp.Allocation = nil
		default:
			return fmt.Errorf("commit allocation: %w", err)
		}
	}
	if !committed {
		return fmt.Errorf("commit allocation after %d attempts: %w", o.cfg.CommitAttempts, domain.ErrQuotaConflict)
	}
	for id, n := range remaining {
		o.metrics.ClientRemaining(id, n)
	}

	final := *cp.Allocation
	final.CommittedAt = o.cfg.now()
	cp.Allocation = &final
	cp.Stage = domain.StageAllocated
	o.metrics.StageDuration(string(domain.StageAllocated), time.Since(start))
	if err := o.save(ctx, cp); err != nil {
		return err
	}

	if leftover := cp.Allocation.Leftover; len(leftover) > 0 && o.deps.Leftovers != nil {
		if err := o.deps.Leftovers.Defer(ctx, cp.BatchID, leftover); err != nil {
			o.logger.Warn("failed to defer leftover leads", "batch_id", cp.BatchID, "count", len(leftover), "error", err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("leftover deferral failed: %v", err))
		}
	}
	return nil
}

// loadClients lists clients and rolls over any whose quota period has ended.
func (o *Orchestrator) loadClients(ctx context.Context) ([]domain.Client, error) {
	clients, err := o.deps.Clients.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	now := o.cfg.now()
	for i := range clients {
		if clients[i].RollPeriod(now, o.cfg.QuotaPeriod) {
			if err := o.deps.Clients.SavePeriod(ctx, clients[i].ID, clients[i].PeriodStart, clients[i].RemainingQuota); err != nil {
				return nil, fmt.Errorf("save quota period for %s: %w", clients[i].ID, err)
			}
		}
	}
	return clients, nil
}

func (o *Orchestrator) deliver(ctx context.Context, cp *domain.Checkpoint, res *domain.BatchResult) error {
	start := time.Now()
	if cp.Delivered == nil {
		cp.Delivered = make(map[string]domain.DeliveryReceipt)
	}
	clients, err := o.deps.Clients.List(ctx)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	byID := make(map[string]domain.Client, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}

	for _, id := range cp.Allocation.Order {
		leads := cp.Allocation.Assignments[id]
		if len(leads) == 0 {
			continue
		}
		if receipt, done := cp.Delivered[id]; done {
			res.Receipts = append(res.Receipts, receipt)
			continue
		}
		if err := ctx.Err(); err != nil {
			o.markPending(cp, res)
			return err
		}
		client, ok := byID[id]
		if !ok {
			res.ClientErrors[id] = domain.ErrNotFound.Error()
			continue
		}

		leads, content := o.contentFor(client, leads, cp.Content)
		var receipt domain.DeliveryReceipt
		err := o.cfg.Retry.do(ctx, o.logger, "deliver", func(ctx context.Context) error {
			callCtx, cancel := withTimeout(ctx, o.cfg.ExternalCallTimeout)
			defer cancel()
			callStart := time.Now()
			var err error
			receipt, err = o.deps.Sink.Deliver(callCtx, client, leads, content)
			o.metrics.ExternalCall("deliver", err, time.Since(callStart))
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				o.markPending(cp, res)
				return ctx.Err()
			}
			o.logger.Error("delivery failed", "batch_id", cp.BatchID, "client_id", id, "error", err)
			res.ClientErrors[id] = err.Error()
			continue
		}

		receipt = o.completeReceipt(receipt, cp.BatchID, client, len(leads))
		if err := o.deps.History.Record(ctx, historyEntries(cp.BatchID, client, leads, receipt.DeliveredAt)); err != nil {
			o.markPending(cp, res)
			return fmt.Errorf("record history for %s: %w", id, err)
		}
		cp.Delivered[id] = receipt
		if err := o.save(ctx, cp); err != nil {
			return err
		}
		res.Receipts = append(res.Receipts, receipt)
		o.metrics.LeadsDelivered(id, len(leads))
	}

	o.markPending(cp, res)
	if len(res.ClientErrors) == 0 {
		cp.Stage = domain.StageDelivered
	}
	o.metrics.StageDuration(string(domain.StageDelivered), time.Since(start))
	return nil
}

// contentFor picks AI copy for clients whose plan includes it and template
// copy for everyone else.
func (o *Orchestrator) contentFor(client domain.Client, leads []domain.Lead, generated map[string]domain.PersonalizedContent) ([]domain.Lead, map[string]domain.PersonalizedContent) {
	out := make([]domain.Lead, len(leads))
	content := make(map[string]domain.PersonalizedContent, len(leads))
	for i, l := range leads {
		c, ok := generated[l.ID]
		if !ok || !client.Plan.AIPersonalization || c.Source != domain.ContentSourceAI {
			c = TemplateContent(l)
		}
		l.Personalization = &c
		l.ClientID = client.ID
		out[i] = l
		content[l.ID] = c
	}
	return out, content
}

func (o *Orchestrator) completeReceipt(r domain.DeliveryReceipt, batchID string, client domain.Client, n int) domain.DeliveryReceipt {
	if r.DeliveryID == "" {
		r.DeliveryID = uuid.NewString()
	}
	if r.DeliveredAt.IsZero() {
		r.DeliveredAt = o.cfg.now()
	}
	r.BatchID = batchID
	r.ClientID = client.ID
	r.ClientName = client.Name
	r.LeadCount = n
	return r
}

func historyEntries(batchID string, client domain.Client, leads []domain.Lead, at time.Time) []domain.HistoryEntry {
	entries := make([]domain.HistoryEntry, len(leads))
	for i, l := range leads {
		entries[i] = domain.HistoryEntry{
			Email:       l.NormalizedEmail,
			ClientID:    client.ID,
			BatchID:     batchID,
			Fingerprint: l.Fingerprint(),
			Exclusive:   client.Exclusive,
			DeliveredAt: at,
		}
	}
	return entries
}

// markPending lists the emails of assigned leads whose client has no receipt yet.
func (o *Orchestrator) markPending(cp *domain.Checkpoint, res *domain.BatchResult) {
	res.Pending = res.Pending[:0]
	for _, id := range cp.Allocation.Order {
		if _, done := cp.Delivered[id]; done {
			continue
		}
		for _, l := range cp.Allocation.Assignments[id] {
			res.Pending = append(res.Pending, l.NormalizedEmail)
		}
	}
}

func (o *Orchestrator) logReceipts(ctx context.Context, cp *domain.Checkpoint, res *domain.BatchResult) error {
	start := time.Now()
	if cp.Logged == nil {
		cp.Logged = make(map[string]bool)
	}
	allLogged := true
	for _, receipt := range res.Receipts {
		if cp.Logged[receipt.ClientID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := o.cfg.Retry.do(ctx, o.logger, "crm.log", func(ctx context.Context) error {
			callCtx, cancel := withTimeout(ctx, o.cfg.ExternalCallTimeout)
			defer cancel()
			callStart := time.Now()
			err := o.deps.Crm.Log(callCtx, receipt)
			o.metrics.ExternalCall("crm", err, time.Since(callStart))
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Warn("crm logging failed", "batch_id", cp.BatchID, "client_id", receipt.ClientID, "error", err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("crm log for %s failed: %v", receipt.ClientID, err))
			allLogged = false
			continue
		}
		cp.Logged[receipt.ClientID] = true
	}
	if cp.Stage == domain.StageDelivered && allLogged {
		cp.Stage = domain.StageLogged
	}
	o.metrics.StageDuration(string(domain.StageLogged), time.Since(start))
	return o.save(ctx, cp)
}

func (o *Orchestrator) complete(ctx context.Context, cp *domain.Checkpoint, res *domain.BatchResult) (*domain.BatchResult, error) {
	res.Status = domain.StatusComplete
	if len(res.Warnings) > 0 || len(res.ClientErrors) > 0 {
		res.Status = domain.StatusCompleteWithWarnings
	}
	if cp.Stage == domain.StageLogged && len(res.ClientErrors) == 0 {
		cp.Stage = domain.StageComplete
		res.Stage = domain.StageComplete
	}
	o.finish(res)
	cp.Result = res
	if err := o.save(ctx, cp); err != nil {
		o.logger.Error("failed to save final checkpoint", "batch_id", cp.BatchID, "error", err)
	}
	o.logger.Info("batch run finished", "batch_id", cp.BatchID, "status", res.Status, "delivered", res.Summary.Delivered, "leftover", res.Summary.Leftover)
	return res, nil
}

func (o *Orchestrator) fail(res *domain.BatchResult, stage domain.Stage, err error) (*domain.BatchResult, error) {
	res.Status = domain.StatusFailed
	res.FailedStage = stage
	res.Cause = err.Error()
	o.finish(res)
	o.logger.Error("batch run failed", "batch_id", res.BatchID, "stage", stage, "error", err)
	return res, &domain.StageError{Stage: stage, Err: err}
}

func (o *Orchestrator) newResult(cp *domain.Checkpoint, now time.Time) *domain.BatchResult {
	return &domain.BatchResult{
		BatchID:      cp.BatchID,
		Stage:        domain.StageReceived,
		Allocations:  make(map[string][]domain.Lead),
		ClientErrors: make(map[string]string),
		StartedAt:    now,
	}
}

// finish fills the summary from what the result holds and records metrics.
func (o *Orchestrator) finish(res *domain.BatchResult) {
	res.FinishedAt = o.cfg.now()
	s := domain.Summary{
		Accepted:          len(res.Accepted),
		Leftover:          len(res.Leftover),
		AIPersonalized:    res.Summary.AIPersonalized,
		TemplateFallbacks: res.Summary.TemplateFallbacks,
	}
	for _, r := range res.Rejected {
		switch r.Reason {
		case domain.ReasonInvalidRow:
			s.Invalid++
		case domain.ReasonDuplicateInBatch:
			s.DuplicateInBatch++
		case domain.ReasonDuplicateHistorical:
			s.DuplicateHistorical++
		}
	}
	s.Received = s.Invalid + s.DuplicateInBatch + s.DuplicateHistorical + s.Accepted
	for _, leads := range res.Allocations {
		s.Allocated += len(leads)
	}
	for _, r := range res.Receipts {
		s.Delivered += r.LeadCount
	}
	res.Summary = s

	o.metrics.BatchFinished(string(res.Status), res.FinishedAt.Sub(res.StartedAt))
	for reason, n := range map[domain.RejectReason]int{
		domain.ReasonInvalidRow:          s.Invalid,
		domain.ReasonDuplicateInBatch:    s.DuplicateInBatch,
		domain.ReasonDuplicateHistorical: s.DuplicateHistorical,
		domain.ReasonQuotaExhausted:      s.Leftover,
	} {
		if n > 0 {
			o.metrics.LeadsRejected(string(reason), n)
		}
	}
}

func (o *Orchestrator) save(ctx context.Context, cp *domain.Checkpoint) error {
	cp.UpdatedAt = o.cfg.now()
	if err := o.deps.Checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint at %s: %w", cp.Stage, err)
	}
	return nil
}

