package delivery

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testClient() domain.Client {
	return domain.Client{
		ID:        "acme",
		Name:      "Acme Corp",
		Email:     "ops@acme.io",
		Plan:      domain.DefaultPlans()["pro"],
		Exclusive: true,
	}
}

func testLeads() ([]domain.Lead, map[string]domain.PersonalizedContent) {
	leads := []domain.Lead{
		{ID: "l1", Email: "jane@x.com", FirstName: "Jane", LastName: "Doe", Title: "CTO", Company: "X"},
		{ID: "l2", Email: "bob@y.com", FirstName: "Bob", LastName: "Roe", Title: "VP", Company: "Y", LinkedIn: "https://linkedin.com/in/bob"},
	}
	content := map[string]domain.PersonalizedContent{
		"l1": {ColdEmail: "Hi Jane", Icebreaker: "Hey Jane", Source: domain.ContentSourceAI},
		"l2": {ColdEmail: "Hi Bob", Icebreaker: "Hey Bob", Source: domain.ContentSourceTemplate},
	}
	return leads, content
}

func newTestExporter(t *testing.T) *CSVExporter {
	e := NewCSVExporter(t.TempDir())
	e.now = func() time.Time { return time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC) }
	return e
}

func TestCSVExporter_Export(t *testing.T) {
	e := newTestExporter(t)
	leads, content := testLeads()

	path, err := e.Export(testClient(), leads, content)
	require.NoError(t, err)
	want := filepath.Join(e.dir, "Acme_Corp_Pro_Exclusive", "2026-10-15", "leads_Acme_Corp_20261015.csv")
	assert.Equal(t, want, path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "Lead ID", records[0][0])
	assert.Equal(t, "acmecorp-20261015-0001", records[1][0])
	assert.Equal(t, "acmecorp-20261015-0002", records[2][0])
	assert.Equal(t, "https://linkedin.com/in/janedoe", records[1][7])
	assert.Equal(t, "Hi Bob", records[2][8])
	assert.Equal(t, "Yes", records[1][10])

	second, err := e.Export(testClient(), leads, content)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(second, "leads_Acme_Corp_20261015_1.csv"), second)
}

func TestCSVExporter_SameDayLeadIDsAreUnique(t *testing.T) {
	e := newTestExporter(t)
	leads, content := testLeads()

	seen := make(map[string]string)
	for range 3 {
		path, err := e.Export(testClient(), leads, content)
		require.NoError(t, err)
		f, err := os.Open(path)
		require.NoError(t, err)
		records, err := csv.NewReader(f).ReadAll()
		f.Close()
		require.NoError(t, err)
		for _, rec := range records[1:] {
			if prev, dup := seen[rec[0]]; dup {
				t.Fatalf("lead ID %s written to both %s and %s", rec[0], prev, path)
			}
			seen[rec[0]] = path
		}
	}
	assert.Len(t, seen, 6)
	assert.Contains(t, seen, "acmecorp-20261015-0006")
}

type fakeUploader struct {
	parent, folder string
	err            error
}

func (u *fakeUploader) Upload(ctx context.Context, parentID, folderName, path string) (string, error) {
	u.parent, u.folder = parentID, folderName
	if u.err != nil {
		return "", u.err
	}
	return "https://drive.example/" + filepath.Base(path), nil
}

type fakeNotifier struct {
	to  string
	err error
}

func (n *fakeNotifier) Notify(to string, receipt domain.DeliveryReceipt) error {
	n.to = to
	return n.err
}

func TestSink_Deliver(t *testing.T) {
	leads, content := testLeads()
	client := testClient()
	client.Delivery.DriveFolderID = "folder-123"
	client.Delivery.NotifyEmail = "leads@acme.io"

	t.Run("full delivery", func(t *testing.T) {
		up, nt := &fakeUploader{}, &fakeNotifier{}
		sink := NewSink(newTestExporter(t), up, nt, discard)

		r, err := sink.Deliver(context.Background(), client, leads, content)
		require.NoError(t, err)
		assert.Equal(t, 2, r.LeadCount)
		assert.True(t, r.Notified)
		assert.Contains(t, r.FileURL, "https://drive.example/leads_Acme_Corp")
		assert.Equal(t, "folder-123", up.parent)
		assert.Equal(t, "Acme Corp_Pro_Exclusive", up.folder)
		assert.Equal(t, "leads@acme.io", nt.to)
	})

	t.Run("notification failure is a warning", func(t *testing.T) {
		sink := NewSink(newTestExporter(t), nil, &fakeNotifier{err: errors.New("smtp down")}, discard)
		r, err := sink.Deliver(context.Background(), client, leads, content)
		require.NoError(t, err)
		assert.False(t, r.Notified)
		require.Len(t, r.Warnings, 1)
		assert.Contains(t, r.Warnings[0], "smtp down")
	})

	t.Run("upload failure fails the delivery", func(t *testing.T) {
		up := &fakeUploader{err: &httpStatusError{Code: 503}}
		sink := NewSink(newTestExporter(t), up, nil, discard)
		_, err := sink.Deliver(context.Background(), client, leads, content)
		require.ErrorIs(t, err, domain.ErrDelivery)
		assert.True(t, domain.IsRetryable(err))

		up.err = &httpStatusError{Code: 403}
		_, err = sink.Deliver(context.Background(), client, leads, content)
		assert.False(t, domain.IsRetryable(err))
	})
}

func TestDriveUploader_Upload(t *testing.T) {
	var creates, uploads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/files":
			assert.Contains(t, r.URL.Query().Get("q"), "name = 'Acme_Pro_Shared'")
			json.NewEncoder(w).Encode(map[string]any{"files": []any{}})
		case r.Method == http.MethodPost && r.URL.Path == "/files":
			creates++
			json.NewEncoder(w).Encode(driveFile{ID: "new-folder"})
		case r.Method == http.MethodPost && r.URL.Path == "/upload":
			uploads++
			assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/related; boundary="))
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), `"parents":["new-folder"]`)
			assert.Contains(t, string(body), "email")
			json.NewEncoder(w).Encode(driveFile{ID: "file-1", WebViewLink: "https://drive.example/file-1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newDriveUploader(srv.Client(), "", discard)
	d.filesURL = srv.URL + "/files"
	d.uploadURL = srv.URL + "/upload"

	path := filepath.Join(t.TempDir(), "leads.csv")
	require.NoError(t, os.WriteFile(path, []byte("email\na@x.com\n"), 0o644))

	for i := 0; i < 2; i++ {
		link, err := d.Upload(context.Background(), "", "Acme_Pro_Shared", path)
		require.NoError(t, err)
		assert.Equal(t, "https://drive.example/file-1", link)
	}
	assert.Equal(t, 1, creates, "folder id should be cached")
	assert.Equal(t, 2, uploads)
}

type fakeSender struct {
	msgs []*gomail.Message
}

func (s *fakeSender) DialAndSend(m ...*gomail.Message) error {
	s.msgs = append(s.msgs, m...)
	return nil
}

func TestMailer_Notify(t *testing.T) {
	fs := &fakeSender{}
	m := &Mailer{dialer: fs, from: "leads@leadflow.local"}

	err := m.Notify("ops@acme.io", domain.DeliveryReceipt{ClientName: "Acme", LeadCount: 7, FilePath: "/tmp/x/leads.csv", FileURL: "https://drive.example/1"})
	require.NoError(t, err)
	require.Len(t, fs.msgs, 1)
	assert.Equal(t, []string{"ops@acme.io"}, fs.msgs[0].GetHeader("To"))
	assert.Equal(t, []string{"Your 7 Fresh Leads Are Ready!"}, fs.msgs[0].GetHeader("Subject"))

	var sb strings.Builder
	_, err = fs.msgs[0].WriteTo(&sb)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "leads.csv")
}
