package pii

import (
	"log/slog"
	"strings"

	"github.com/V4T54L/leadflow/internal/domain"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor blanks sensitive CSV columns that the pipeline does not need.
type Redactor struct {
	fieldsToRedact map[string]struct{}
	logger         *slog.Logger
}

// NewRedactor creates a Redactor for the given column names. Columns the
// pipeline reads (see protected) are never redacted.
func NewRedactor(fields, protected []string, logger *slog.Logger) *Redactor {
	keep := make(map[string]struct{}, len(protected))
	for _, f := range protected {
		keep[strings.ToLower(f)] = struct{}{}
	}
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		field = strings.ToLower(strings.TrimSpace(field))
		if field == "" {
			continue
		}
		if _, ok := keep[field]; ok {
			logger.Warn("refusing to redact a column the pipeline needs", "field", field)
			continue
		}
		fieldSet[field] = struct{}{}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger,
	}
}

// Redact replaces configured columns of every row in place and returns the
// number of cells changed.
func (r *Redactor) Redact(batch *domain.Batch) int {
	if len(r.fieldsToRedact) == 0 {
		return 0
	}
	redacted := 0
	for _, row := range batch.Rows {
		for field := range r.fieldsToRedact {
			if v, ok := row.Fields[field]; ok && v != "" {
				row.Fields[field] = RedactedPlaceholder
				redacted++
			}
		}
	}
	if redacted > 0 {
		batch.PIIRedacted = true
		r.logger.Debug("redacted columns", "batch_id", batch.ID, "cells", redacted)
	}
	return redacted
}
