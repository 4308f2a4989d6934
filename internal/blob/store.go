// Package blob keeps the bytes behind file and image messages. Clients upload
// once over HTTP and put the returned id in the message payload.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/median-dxz/med-accord-server/internal/protocol"
	"github.com/median-dxz/med-accord-server/internal/store"
)

const defaultContentType = "application/octet-stream"

var (
	// ErrTooLarge is returned when an upload exceeds the configured size.
	ErrTooLarge = errors.New("attachment too large")
	// ErrUnsupportedKind is returned for kinds other than file and image.
	ErrUnsupportedKind = errors.New("unsupported attachment kind")
)

// Store writes attachments under rootDir, named by id, and records their
// metadata in sqlite.
type Store struct {
	rootDir string
	meta    *store.Store
	maxSize int64
}

// Upload is one attachment to store. An empty Kind means protocol.KindFile.
type Upload struct {
	Kind         protocol.Kind
	OriginalName string
	ContentType  string
	Reader       io.Reader
}

// Attachment is stored metadata plus the open file. Callers close File.
type Attachment struct {
	Metadata store.BlobMetadata
	File     *os.File
}

// NewStore creates rootDir if needed. maxSize <= 0 disables the size limit.
func NewStore(rootDir string, meta *store.Store, maxSize int64) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	switch {
	case rootDir == "":
		return nil, fmt.Errorf("attachment directory is required")
	case meta == nil:
		return nil, fmt.Errorf("metadata store is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	slog.Debug("attachment store ready", "dir", rootDir, "max_size", maxSize)
	return &Store{rootDir: rootDir, meta: meta, maxSize: maxSize}, nil
}

// Put spools the upload to a temp file, moves it into place under a fresh
// uuid and records its metadata. Nothing is left on disk when Put fails.
func (s *Store) Put(ctx context.Context, up Upload) (store.BlobMetadata, error) {
	kind, err := attachmentKind(up.Kind)
	if err != nil {
		return store.BlobMetadata{}, err
	}
	name := strings.TrimSpace(up.OriginalName)
	if name == "" {
		return store.BlobMetadata{}, fmt.Errorf("attachment name is required")
	}
	if up.Reader == nil {
		return store.BlobMetadata{}, fmt.Errorf("attachment reader is required")
	}
	contentType := strings.TrimSpace(up.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}

	tmp, size, err := s.spool(up.Reader)
	if err != nil {
		return store.BlobMetadata{}, err
	}

	id := uuid.NewString()
	final := filepath.Join(s.rootDir, id)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return store.BlobMetadata{}, fmt.Errorf("place attachment: %w", err)
	}

	md := store.BlobMetadata{
		ID:           id,
		Kind:         string(kind),
		OriginalName: name,
		ContentType:  contentType,
		DiskName:     id,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.meta.CreateBlob(ctx, md); err != nil {
		_ = os.Remove(final)
		return store.BlobMetadata{}, fmt.Errorf("record attachment: %w", err)
	}

	slog.Info("attachment stored", "blob_id", id, "kind", kind, "size", size)
	return md, nil
}

// spool copies r into a temp file inside rootDir, enforcing maxSize.
func (s *Store) spool(r io.Reader) (path string, size int64, err error) {
	f, err := os.CreateTemp(s.rootDir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	path = f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if s.maxSize > 0 {
		r = io.LimitReader(r, s.maxSize+1)
	}
	size, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("write attachment: %w", err)
	}
	if s.maxSize > 0 && size > s.maxSize {
		err = fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxSize)
		return "", 0, err
	}
	return path, size, nil
}

func attachmentKind(k protocol.Kind) (protocol.Kind, error) {
	switch k = protocol.Kind(strings.TrimSpace(string(k))); k {
	case "":
		return protocol.KindFile, nil
	case protocol.KindFile, protocol.KindImage:
		return k, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnsupportedKind, k)
	}
}

// Open looks up id and opens its file.
func (s *Store) Open(ctx context.Context, id string) (Attachment, error) {
	md, err := s.meta.BlobByID(ctx, id)
	if err != nil {
		return Attachment{}, err
	}
	f, err := os.Open(filepath.Join(s.rootDir, md.DiskName))
	if err != nil {
		slog.Error("attachment file missing", "blob_id", id, "err", err)
		return Attachment{}, fmt.Errorf("open attachment: %w", err)
	}
	return Attachment{Metadata: md, File: f}, nil
}
