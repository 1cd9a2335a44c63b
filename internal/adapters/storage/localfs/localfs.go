package localfs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"reel/internal/pkg/errors"
	"reel/internal/ports"
)

// LocalFS implements ports.StorageProvider using the local filesystem.
// Objects live under root; public URLs point at the API's /artifacts route.
type LocalFS struct {
	root    string
	baseURL string
}

func New(root, publicBaseURL string) *LocalFS {
	return &LocalFS{root: root, baseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (l *LocalFS) Provider() string { return "localfs" }

// Root returns the directory objects are stored under.
func (l *LocalFS) Root() string { return l.root }

func (l *LocalFS) path(objectKey string) (string, error) {
	clean := path.Clean("/" + objectKey)
	if objectKey == "" || clean == "/" || strings.Contains(objectKey, "..") {
		return "", errors.ValidationField("object_key", fmt.Sprintf("invalid object key %q", objectKey))
	}
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	dst, err := l.path(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, err
	}

	// Write next to the destination and rename so readers never see a
	// partial file.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, readerWithContext(ctx, in.Reader))
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("write object %s: %w", in.ObjectKey, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return ports.PutObjectOutput{}, err
	}

	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (l *LocalFS) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	p, err := l.path(objectKey)
	if err != nil {
		return nil, "", 0, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, "", 0, errors.NotFound("object", objectKey)
	}
	if err != nil {
		return nil, "", 0, err
	}

	st, statErr := f.Stat()
	if statErr == nil {
		size = st.Size()
	}

	contentType = contentTypeFor(p)
	if contentType == "" {
		mt, _ := mimetype.DetectReader(f)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, "", 0, err
		}
		contentType = mt.String()
	}

	return f, contentType, size, nil
}

func (l *LocalFS) DeleteObject(ctx context.Context, objectKey string) error {
	p, err := l.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PublicURL returns <PUBLIC_BASE_URL>/artifacts/<key>.
func (l *LocalFS) PublicURL(ctx context.Context, objectKey string) (string, error) {
	if _, err := l.path(objectKey); err != nil {
		return "", err
	}
	if l.baseURL == "" {
		return "", errors.Unavailable("localfs").WithField("reason", "PUBLIC_BASE_URL not set")
	}
	segs := strings.Split(objectKey, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return l.baseURL + "/artifacts/" + strings.Join(segs, "/"), nil
}

// contentTypes covers render outputs that system MIME tables often lack.
var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".py":   "text/x-python",
}

func contentTypeFor(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return mime.TypeByExtension(ext)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// readerWithContext stops a long copy once ctx is cancelled.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
