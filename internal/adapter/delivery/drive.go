package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	driveScope     = "https://www.googleapis.com/auth/drive.file"
	driveFilesURL  = "https://www.googleapis.com/drive/v3/files"
	driveUploadURL = "https://www.googleapis.com/upload/drive/v3/files?uploadType=multipart&fields=id,webViewLink"
	folderMimeType = "application/vnd.google-apps.folder"
)

// DriveUploader puts delivery files into per-client Google Drive folders.
type DriveUploader struct {
	client    *http.Client
	filesURL  string
	uploadURL string
	parentID  string
	logger    *slog.Logger

	mu      sync.Mutex
	folders map[string]string
}

// NewDriveUploader authenticates with a service account key file. parentID is
// the folder client folders are created in; empty means the drive root.
func NewDriveUploader(ctx context.Context, credentialsFile, parentID string, logger *slog.Logger) (*DriveUploader, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read drive credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, driveScope)
	if err != nil {
		return nil, fmt.Errorf("parse drive credentials: %w", err)
	}
	client := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, creds.TokenSource))
	return newDriveUploader(client, parentID, logger), nil
}

func newDriveUploader(client *http.Client, parentID string, logger *slog.Logger) *DriveUploader {
	if parentID == "" {
		parentID = "root"
	}
	return &DriveUploader{
		client:    client,
		filesURL:  driveFilesURL,
		uploadURL: driveUploadURL,
		parentID:  parentID,
		logger:    logger.With("component", "drive"),
		folders:   make(map[string]string),
	}
}

type driveFile struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	MimeType    string   `json:"mimeType,omitempty"`
	Parents     []string `json:"parents,omitempty"`
	WebViewLink string   `json:"webViewLink,omitempty"`
}

// Upload stores the file at path in folderName and returns its view link.
// folderName is created under parentID, or under the uploader's default
// parent when parentID is empty.
func (d *DriveUploader) Upload(ctx context.Context, parentID, folderName, path string) (string, error) {
	if parentID == "" {
		parentID = d.parentID
	}
	folderID, err := d.folder(ctx, parentID, folderName)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read delivery file: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	meta, _ := json.Marshal(driveFile{Name: filepath.Base(path), Parents: []string{folderID}})
	part, _ := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	part.Write(meta)
	part, _ = mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/csv"}})
	part.Write(data)
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.uploadURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	var created driveFile
	if err := d.do(req, &created); err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	d.logger.Info("uploaded delivery file", "folder", folderName, "file_id", created.ID)
	return created.WebViewLink, nil
}

// folder finds or creates a child folder of parent, caching the ID.
func (d *DriveUploader) folder(ctx context.Context, parent, name string) (string, error) {
	key := parent + "/" + name
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.folders[key]; ok {
		return id, nil
	}

	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and '%s' in parents and trashed = false",
		strings.ReplaceAll(name, "'", `\'`), folderMimeType, parent)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.filesURL+"?fields=files(id)&q="+url.QueryEscape(q), nil)
	if err != nil {
		return "", err
	}
	var list struct {
		Files []driveFile `json:"files"`
	}
	if err := d.do(req, &list); err != nil {
		return "", fmt.Errorf("find folder %s: %w", name, err)
	}
	if len(list.Files) > 0 {
		d.folders[key] = list.Files[0].ID
		return list.Files[0].ID, nil
	}

	meta, _ := json.Marshal(driveFile{Name: name, MimeType: folderMimeType, Parents: []string{parent}})
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, d.filesURL+"?fields=id", bytes.NewReader(meta))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var created driveFile
	if err := d.do(req, &created); err != nil {
		return "", fmt.Errorf("create folder %s: %w", name, err)
	}
	d.logger.Info("created drive folder", "folder", name)
	d.folders[key] = created.ID
	return created.ID, nil
}

func (d *DriveUploader) do(req *http.Request, out any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("drive returned %d: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *httpStatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}
