package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
)

const (
	defaultBaseURL = "https://api.notion.com/v1"
	notionVersion  = "2022-06-28"
)

// Logger records deliveries as pages in a Notion database.
type Logger struct {
	http       *http.Client
	baseURL    string
	token      string
	databaseID string
	logger     *slog.Logger
}

func NewLogger(token, databaseID string, timeout time.Duration, logger *slog.Logger) *Logger {
	return &Logger{
		http:       &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
		token:      token,
		databaseID: databaseID,
		logger:     logger.With("component", "notion"),
	}
}

type richText struct {
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
}

func text(s string) []richText {
	var rt richText
	rt.Text.Content = s
	return []richText{rt}
}

type property struct {
	Title    []richText        `json:"title,omitempty"`
	RichText []richText        `json:"rich_text,omitempty"`
	Number   *int              `json:"number,omitempty"`
	URL      *string           `json:"url,omitempty"`
	Date     map[string]string `json:"date,omitempty"`
	Select   map[string]string `json:"select,omitempty"`
}

type createPage struct {
	Parent     map[string]string   `json:"parent"`
	Properties map[string]property `json:"properties"`
}

// Log creates one page for the receipt.
func (l *Logger) Log(ctx context.Context, r domain.DeliveryReceipt) error {
	count := r.LeadCount
	props := map[string]property{
		"Name":          {Title: text("Delivery to " + r.ClientName)},
		"Client Name":   {RichText: text(r.ClientName)},
		"Lead Count":    {Number: &count},
		"Files Path":    {RichText: text(r.FilePath)},
		"Delivery Date": {Date: map[string]string{"start": r.DeliveredAt.UTC().Format(time.RFC3339)}},
		"Status":        {Select: map[string]string{"name": "Delivered"}},
		"Batch":         {RichText: text(r.BatchID)},
	}
	if r.FileURL != "" {
		link := r.FileURL
		props["Drive URL"] = property{URL: &link}
	}
	payload, err := json.Marshal(createPage{
		Parent:     map[string]string{"database_id": l.databaseID},
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("encode notion page: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/pages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", notionVersion)

	resp, err := l.http.Do(req)
	if err != nil {
		return domain.NewExternalError("notion", "create page", domain.ErrLogging, err, true)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return domain.NewExternalError("notion", "create page", domain.ErrLogging, cause, retryable)
	}
	l.logger.Info("logged delivery", "client", r.ClientName, "delivery_id", r.DeliveryID)
	return nil
}

// Noop is the CrmLogger used when no CRM is configured.
type Noop struct {
	Logger *slog.Logger
}

func (n Noop) Log(ctx context.Context, r domain.DeliveryReceipt) error {
	if n.Logger != nil {
		n.Logger.Debug("crm logging disabled", "delivery_id", r.DeliveryID)
	}
	return nil
}
