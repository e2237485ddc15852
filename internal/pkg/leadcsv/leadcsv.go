// Package leadcsv reads lead uploads and writes client delivery files.
package leadcsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/V4T54L/leadflow/internal/domain"
)

// RequiredColumns must be present in every upload header.
var RequiredColumns = []string{"first_name", "last_name", "company", "title", "email"}

// ExportColumns is the header of a delivery file.
var ExportColumns = []string{
	"Lead ID", "Client Name", "First Name", "Last Name", "Title", "Company",
	"Email", "LinkedIn", "Cold Email", "Icebreaker", "Exclusive", "Created At",
}

// Read parses an upload. Headers are trimmed and lower-cased, spaces become
// underscores. Rows are numbered from 1, the header excluded. A header missing
// any of required is rejected as a whole.
func Read(r io.Reader, required []string) ([]domain.RawRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &domain.ValidationError{Field: "header", Message: "file is empty"}
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, h := range header {
		header[i] = normalizeHeader(h)
	}
	if missing := missingColumns(header, required); len(missing) > 0 {
		return nil, &domain.ValidationError{Field: "header", Message: "missing required columns: " + strings.Join(missing, ", ")}
	}

	var rows []domain.RawRow
	for n := 1; ; n++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", n, err)
		}
		fields := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) && h != "" {
				fields[h] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, domain.RawRow{Row: n, Fields: fields})
	}
	return rows, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	return strings.ReplaceAll(h, " ", "_")
}

func missingColumns(header, required []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

// ExportRow is one line of a delivery file.
type ExportRow struct {
	LeadID    string
	Client    domain.Client
	Lead      domain.Lead
	Content   domain.PersonalizedContent
	CreatedAt string
}

// Write renders a delivery file.
func Write(w io.Writer, rows []ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		exclusive := "No"
		if r.Client.Exclusive {
			exclusive = "Yes"
		}
		rec := []string{
			r.LeadID, r.Client.Name, r.Lead.FirstName, r.Lead.LastName, r.Lead.Title, r.Lead.Company,
			r.Lead.Email, r.Lead.LinkedInURL(), r.Content.ColdEmail, r.Content.Icebreaker, exclusive, r.CreatedAt,
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ToRows turns leads back into raw rows, used when deferred leftovers are
// replayed as a new batch.
func ToRows(leads []domain.Lead) []domain.RawRow {
	rows := make([]domain.RawRow, len(leads))
	for i, l := range leads {
		fields := make(map[string]string, len(l.Fields)+6)
		for k, v := range l.Fields {
			fields[k] = v
		}
		fields["email"] = l.Email
		fields["first_name"] = l.FirstName
		fields["last_name"] = l.LastName
		fields["company"] = l.Company
		fields["title"] = l.Title
		if l.LinkedIn != "" {
			fields["linkedin"] = l.LinkedIn
		}
		rows[i] = domain.RawRow{Row: i + 1, Fields: fields}
	}
	return rows
}
