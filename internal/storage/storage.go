// Package storage keeps attachments in object storage: riddle media referenced by
// obj:// markers and files archived from team submissions.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/api/option"
	storagev1 "google.golang.org/api/storage/v1"

	"quest-bot/internal/errs"
	"quest-bot/internal/models"
)

type Blobs interface {
	Put(ctx context.Context, p string, data []byte) error
	Get(ctx context.Context, p string) ([]byte, error)
}

// ArchivePath names a new object for a team file, keeping the original extension when known.
func ArchivePath(teamID int64, f models.FileExtension) string {
	ext := strings.ToLower(path.Ext(f.Filename))
	if ext == "" {
		ext = models.DefaultExt(f.Type)
	}
	return fmt.Sprintf("teams/%d/%s%s", teamID, uuid.NewString(), ext)
}

// Archive stores the attachment bytes under a fresh team path and returns that path.
func Archive(ctx context.Context, b Blobs, teamID int64, f models.FileExtension) (string, error) {
	p := ArchivePath(teamID, f)
	if err := b.Put(ctx, p, f.Data); err != nil {
		return "", err
	}
	return p, nil
}

// Resolve returns f with Data filled from storage when it carries a deferred marker.
func Resolve(ctx context.Context, b Blobs, f models.FileExtension) (models.FileExtension, error) {
	if !f.Deferred() {
		return f, nil
	}
	if b == nil {
		return f, &errs.StorageError{Op: "get", Path: f.RefPath(), Err: fmt.Errorf("no object storage configured")}
	}
	data, err := b.Get(ctx, f.RefPath())
	if err != nil {
		return f, err
	}
	f.Data = data
	f.Ref = ""
	return f, nil
}

// GCS is a Google Cloud Storage bucket.
type GCS struct {
	srv    *storagev1.Service
	bucket string
}

func NewGCS(ctx context.Context, serviceAccountJSONPath, bucket string) (*GCS, error) {
	if _, err := os.Stat(serviceAccountJSONPath); err != nil {
		return nil, fmt.Errorf("service account json: %w", err)
	}
	srv, err := storagev1.NewService(ctx,
		option.WithCredentialsFile(serviceAccountJSONPath),
		option.WithScopes(storagev1.DevstorageReadWriteScope),
	)
	if err != nil {
		return nil, err
	}
	return &GCS{srv: srv, bucket: bucket}, nil
}

func (g *GCS) Put(ctx context.Context, p string, data []byte) error {
	obj := &storagev1.Object{Name: p, ContentType: contentType(p)}
	_, err := g.srv.Objects.Insert(g.bucket, obj).Media(bytes.NewReader(data)).Context(ctx).Do()
	if err != nil {
		return &errs.StorageError{Op: "put", Path: p, Err: err}
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, p string) ([]byte, error) {
	resp, err := g.srv.Objects.Get(g.bucket, p).Context(ctx).Download()
	if err != nil {
		return nil, &errs.StorageError{Op: "get", Path: p, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.StorageError{Op: "get", Path: p, Err: err}
	}
	return data, nil
}

func contentType(p string) string {
	switch models.TypeByFilename(p) {
	case models.FilePhoto:
		return "image/jpeg"
	case models.FileVideo:
		return "video/mp4"
	case models.FileAudio:
		return "audio/ogg"
	}
	return "application/octet-stream"
}

// Dir keeps objects as files under a local root; used in development and tests.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	return &Dir{root: root}, nil
}

// file maps an object path inside the root; ".." segments cannot climb out.
func (d *Dir) file(p string) string {
	return filepath.Join(d.root, filepath.FromSlash(path.Clean("/"+p)))
}

func (d *Dir) Put(_ context.Context, p string, data []byte) error {
	name := d.file(p)
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return &errs.StorageError{Op: "put", Path: p, Err: err}
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return &errs.StorageError{Op: "put", Path: p, Err: err}
	}
	return nil
}

func (d *Dir) Get(_ context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(d.file(p))
	if err != nil {
		return nil, &errs.StorageError{Op: "get", Path: p, Err: err}
	}
	return data, nil
}

var (
	_ Blobs = (*GCS)(nil)
	_ Blobs = (*Dir)(nil)
)
