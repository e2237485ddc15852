package delivery

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/pkg/leadcsv"
)

// CSVExporter writes a client's delivery file under dir as
// <folder>/<YYYY-MM-DD>/leads_<client>_<YYYYMMDD>.csv.
type CSVExporter struct {
	dir string
	now func() time.Time
}

func NewCSVExporter(dir string) *CSVExporter {
	return &CSVExporter{dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

// Export writes the file and returns its path. A second export for the same
// client on the same day gets a numbered suffix instead of overwriting, and
// its lead IDs continue the day's sequence.
func (e *CSVExporter) Export(client domain.Client, leads []domain.Lead, content map[string]domain.PersonalizedContent) (string, error) {
	now := e.now()
	day := now.Format("20060102")
	folder := filepath.Join(e.dir, safeName(client.FolderName()), now.Format("2006-01-02"))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("create delivery folder: %w", err)
	}

	base := fmt.Sprintf("leads_%s_%s", safeName(client.Name), day)
	path, f, seq, err := createUnique(folder, base)
	if err != nil {
		return "", err
	}
	defer f.Close()
	offset, err := countRows(folder, base, seq)
	if err != nil {
		return "", err
	}

	prefix := LeadIDPrefix(client.Name)
	createdAt := now.Format(time.RFC3339)
	rows := make([]leadcsv.ExportRow, len(leads))
	for i, l := range leads {
		rows[i] = leadcsv.ExportRow{
			LeadID:    fmt.Sprintf("%s-%s-%04d", prefix, day, offset+i+1),
			Client:    client,
			Lead:      l,
			Content:   content[l.ID],
			CreatedAt: createdAt,
		}
	}
	if err := leadcsv.Write(f, rows); err != nil {
		return "", err
	}
	return path, f.Sync()
}

// LeadIDPrefix is the client name lower-cased with spaces removed.
func LeadIDPrefix(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", ""))
}

func fileName(base string, n int) string {
	if n == 0 {
		return base + ".csv"
	}
	return fmt.Sprintf("%s_%d.csv", base, n)
}

// createUnique creates the first free file in the base, base_1, base_2...
// series and returns its position in that series.
func createUnique(dir, base string) (string, *os.File, int, error) {
	for n := 0; ; n++ {
		path := filepath.Join(dir, fileName(base, n))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return path, f, n, nil
		}
		if !os.IsExist(err) {
			return "", nil, 0, fmt.Errorf("create delivery file: %w", err)
		}
	}
}

// countRows counts the lead rows in the first n files of the series.
func countRows(dir, base string, n int) (int, error) {
	total := 0
	for i := 0; i < n; i++ {
		f, err := os.Open(filepath.Join(dir, fileName(base, i)))
		if err != nil {
			return 0, fmt.Errorf("read earlier delivery file: %w", err)
		}
		records, err := csv.NewReader(f).ReadAll()
		f.Close()
		if err != nil {
			return 0, fmt.Errorf("read earlier delivery file: %w", err)
		}
		if len(records) > 1 {
			total += len(records) - 1
		}
	}
	return total, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, s)
}
