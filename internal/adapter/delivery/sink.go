package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/V4T54L/leadflow/internal/domain"
)

// Uploader pushes a delivery file to shared storage. *DriveUploader implements it.
type Uploader interface {
	Upload(ctx context.Context, parentID, folderName, path string) (string, error)
}

// Notifier tells a client about a delivery. *Mailer implements it.
type Notifier interface {
	Notify(to string, receipt domain.DeliveryReceipt) error
}

// Sink implements domain.DeliverySink: export, then optional upload, then
// optional notification. Export and upload failures fail the delivery; a
// failed notification only adds a warning to the receipt.
type Sink struct {
	exporter *CSVExporter
	uploader Uploader
	notifier Notifier
	logger   *slog.Logger
}

// NewSink wires a sink. uploader and notifier may be nil.
func NewSink(exporter *CSVExporter, uploader Uploader, notifier Notifier, logger *slog.Logger) *Sink {
	return &Sink{exporter: exporter, uploader: uploader, notifier: notifier, logger: logger.With("component", "delivery")}
}

func (s *Sink) Deliver(ctx context.Context, client domain.Client, leads []domain.Lead, content map[string]domain.PersonalizedContent) (domain.DeliveryReceipt, error) {
	receipt := domain.DeliveryReceipt{ClientID: client.ID, ClientName: client.Name, LeadCount: len(leads)}

	path, err := s.exporter.Export(client, leads, content)
	if err != nil {
		return receipt, domain.NewExternalError("csv", "export", domain.ErrDelivery, err, false)
	}
	receipt.FilePath = path

	if s.uploader != nil {
		link, err := s.uploader.Upload(ctx, client.Delivery.DriveFolderID, client.FolderName(), path)
		if err != nil {
			return receipt, domain.NewExternalError("drive", "upload", domain.ErrDelivery, err, isTemporary(err))
		}
		receipt.FileURL = link
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(client.NotifyAddress(), receipt); err != nil {
			s.logger.Warn("delivery notification failed", "client_id", client.ID, "error", err)
			receipt.Warnings = append(receipt.Warnings, fmt.Sprintf("notification: %v", err))
		} else {
			receipt.Notified = true
		}
	}

	s.logger.Info("delivered leads", "client_id", client.ID, "count", len(leads), "file", path)
	return receipt, nil
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return domain.IsRetryable(err)
}
