package pii

import (
	"io"
	"log/slog"
	"testing"

	"github.com/V4T54L/leadflow/internal/domain"
)

func TestRedactor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	redactor := NewRedactor([]string{"Phone", "ssn", "email"}, []string{"email", "company"}, logger)

	tests := []struct {
		name           string
		fields         map[string]string
		expectedFields map[string]string
		expectCells    int
	}{
		{
			name:           "Redact single column",
			fields:         map[string]string{"email": "a@x.io", "phone": "555-0100"},
			expectedFields: map[string]string{"email": "a@x.io", "phone": RedactedPlaceholder},
			expectCells:    1,
		},
		{
			name:           "Redact multiple columns",
			fields:         map[string]string{"phone": "555-0100", "ssn": "000-00-0000"},
			expectedFields: map[string]string{"phone": RedactedPlaceholder, "ssn": RedactedPlaceholder},
			expectCells:    2,
		},
		{
			name:           "Protected column stays",
			fields:         map[string]string{"email": "a@x.io", "company": "Acme"},
			expectedFields: map[string]string{"email": "a@x.io", "company": "Acme"},
			expectCells:    0,
		},
		{
			name:           "Empty value is left alone",
			fields:         map[string]string{"phone": ""},
			expectedFields: map[string]string{"phone": ""},
			expectCells:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := &domain.Batch{ID: "b1", Rows: []domain.RawRow{{Row: 1, Fields: tt.fields}}}

			cells := redactor.Redact(batch)

			if cells != tt.expectCells {
				t.Errorf("Redact() cells = %d, want %d", cells, tt.expectCells)
			}
			if batch.PIIRedacted != (tt.expectCells > 0) {
				t.Errorf("batch.PIIRedacted got = %v, want %v", batch.PIIRedacted, tt.expectCells > 0)
			}
			for k, v := range tt.expectedFields {
				if got := batch.Rows[0].Fields[k]; got != v {
					t.Errorf("field mismatch for key %s: got %q, want %q", k, got, v)
				}
			}
		})
	}
}
