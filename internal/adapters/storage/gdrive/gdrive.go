package gdrive

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"reel/internal/pkg/errors"
	"reel/internal/ports"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// Client implements ports.StorageProvider backed by Google Drive.
// Uploads use ObjectKey as the Drive file name; the returned ObjectKey is the
// Drive fileId, which later reads, deletes and links use.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, errors.ValidationField("object_key", "object_key is required")
	}

	file := &drive.File{Name: in.ObjectKey}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	call := c.srv.Files.Create(file).SupportsAllDrives(true).Fields("id", "size")
	if in.ContentType != "" {
		call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
	} else {
		call = call.Media(in.Reader)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("gdrive upload failed: %w", err)
	}

	size := created.Size
	if size == 0 {
		size = in.Size
	}
	return ports.PutObjectOutput{ObjectKey: created.Id, Size: size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	resp, err := c.srv.Files.Get(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		if isNotFound(err) {
			return nil, "", 0, errors.NotFound("object", objectKey)
		}
		return nil, "", 0, err
	}

	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	err := c.srv.Files.Delete(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if isNotFound(err) {
		return nil
	}
	return err
}

// PublicURL shares the file with anyone holding the link and returns its
// download link.
func (c *Client) PublicURL(ctx context.Context, objectKey string) (string, error) {
	_, err := c.srv.Permissions.Create(objectKey, &drive.Permission{Type: "anyone", Role: "reader"}).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("gdrive share failed: %w", err)
	}

	f, err := c.srv.Files.Get(objectKey).
		SupportsAllDrives(true).
		Fields("webContentLink", "webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("gdrive link lookup failed: %w", err)
	}
	if f.WebContentLink != "" {
		return f.WebContentLink, nil
	}
	return f.WebViewLink, nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
