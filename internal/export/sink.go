package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configure the object storage sink.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

// Sink opens a destination for streaming writes.
type Sink interface {
	Create(ctx context.Context, name string) (io.WriteCloser, error)
}

// FileSink writes local files, creating parent directories.
type FileSink struct{}

// Create opens name for writing.
func (FileSink) Create(_ context.Context, name string) (io.WriteCloser, error) {
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	return os.Create(name) //nolint:gosec // G304: output path from configuration
}

// S3Sink uploads objects to an S3 compatible store. Names are object keys.
type S3Sink struct {
	client *minio.Client
	bucket string
}

// NewS3Sink connects a sink to a bucket.
func NewS3Sink(opts S3Options, bucket string) (*S3Sink, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3Sink{client: client, bucket: bucket}, nil
}

// Create starts a streaming upload; Close waits for it to finish.
func (s *S3Sink) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	u := &upload{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, minio.PutObjectOptions{
			ContentType: contentType(key),
		})
		_ = pr.CloseWithError(err)
		u.done <- err
	}()
	return u, nil
}

type upload struct {
	pw       *io.PipeWriter
	done     chan error
	finished atomic.Bool
}

func (u *upload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

func (u *upload) Close() error {
	if !u.finished.CompareAndSwap(false, true) {
		return errors.New("upload already closed")
	}
	if err := u.pw.Close(); err != nil {
		return err
	}
	return <-u.done
}

func contentType(key string) string {
	switch FormatFor(key, "") {
	case FormatJSON:
		if CompressionFor(key) == CompressionNone {
			return "application/json"
		}
	case FormatYAML:
		if CompressionFor(key) == CompressionNone {
			return "application/yaml"
		}
	}
	return "application/octet-stream"
}

// ParseS3URL splits s3://bucket/key. ok is false for other destinations.
func ParseS3URL(dest string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(dest, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	return bucket, key, bucket != "" && key != ""
}

// Writer encodes, compresses and stores documents.
type Writer struct {
	// Format is used when the destination has no recognizable extension.
	Format Format
	S3     S3Options
	Logger *slog.Logger

	// sink overrides destination based sink selection.
	sink Sink
}

// NewWriter returns a writer with the given default format.
func NewWriter(f Format, s3 S3Options) *Writer {
	return &Writer{Format: f, S3: s3, Logger: slog.Default()}
}

// WithSink routes every write through s.
func (w *Writer) WithSink(s Sink) *Writer {
	w.sink = s
	return w
}

// Write stores doc at dest, a local path or s3://bucket/key. A ".zst" or
// ".lz4" suffix compresses the encoded document.
func (w *Writer) Write(ctx context.Context, dest string, doc *Document) (err error) {
	if dest == "" {
		return errors.New("empty output destination")
	}
	format := FormatFor(dest, w.Format)
	compression := CompressionFor(dest)

	sink, name, err := w.resolve(dest)
	if err != nil {
		return err
	}
	out, err := sink.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("open %s: %w", dest, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dest, cerr)
		}
	}()

	cw, err := Compress(out, compression)
	if err != nil {
		return err
	}
	if err := Encode(cw, doc, format); err != nil {
		_ = cw.Close()
		return fmt.Errorf("encode %s: %w", dest, err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("flush %s: %w", dest, err)
	}

	if w.Logger != nil {
		w.Logger.Info("Wrote reconstruction",
			"destination", dest,
			"format", string(format),
			"compression", string(compression),
			"shots", len(doc.Shots),
			"points", len(doc.Points))
	}
	return nil
}

func (w *Writer) resolve(dest string) (Sink, string, error) {
	if w.sink != nil {
		return w.sink, dest, nil
	}
	if bucket, key, ok := ParseS3URL(dest); ok {
		s, err := NewS3Sink(w.S3, bucket)
		if err != nil {
			return nil, "", err
		}
		return s, key, nil
	}
	if strings.HasPrefix(dest, "s3://") {
		return nil, "", fmt.Errorf("invalid s3 destination %q", dest)
	}
	return FileSink{}, dest, nil
}

// ReadFile reads a local document, choosing format and compression from
// its name.
func ReadFile(name string) (*Document, error) {
	f, err := os.Open(name) //nolint:gosec // G304: caller supplied path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r, err := Decompress(f, CompressionFor(name))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return Decode(r, FormatFor(name, FormatJSON))
}
