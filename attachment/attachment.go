// Package attachment converts selected local files into previewable and
// transmittable media references.
package attachment

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	KindImage Kind = "image"
	KindVoice Kind = "voice"
)

var ErrUnsupported = errors.New("unsupported attachment type")

// BlobStore holds durable attachment payloads. The ephemeral preview
// file is exchanged for a durable reference through it at send time.
type BlobStore interface {
	Upload(ctx context.Context, key, contentType, path string) (string, error)
}

// Draft is an attachment staged for sending. It owns an ephemeral
// local preview file until Release is called; Release is safe to call
// more than once and must eventually be called exactly when the draft
// leaves scope, whether or not the send succeeded.
type Draft struct {
	ID          string
	Kind        Kind
	ContentType string

	previewPath string
	releaseOnce sync.Once
}

// Ref is the durable reference stored in the message record.
type Ref struct {
	Kind Kind
	URL  string
}

// Attach classifies a local file by its MIME type prefix and stages it
// for sending. Unsupported types are an explicit error, never silently
// dropped.
func Attach(contentType string, r io.Reader) (*Draft, error) {
	var kind Kind
	switch {
	case strings.HasPrefix(contentType, "image"):
		kind = KindImage
	case strings.HasPrefix(contentType, "audio"):
		kind = KindVoice
	default:
		return nil, ErrUnsupported
	}

	tmp, err := os.CreateTemp("", "chitchat-draft-*")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}

	return &Draft{
		ID:          uuid.NewString(),
		Kind:        kind,
		ContentType: contentType,
		previewPath: tmp.Name(),
	}, nil
}

// PreviewURL is the ephemeral local handle used before the durable
// reference exists.
func (d *Draft) PreviewURL() string {
	return "file://" + d.previewPath
}

// Release reclaims the ephemeral preview file. Duplicate release is a
// no-op.
func (d *Draft) Release() {
	d.releaseOnce.Do(func() {
		os.Remove(d.previewPath)
	})
}

// Seal exchanges the ephemeral preview for a durable reference. The
// caller remains responsible for Release.
func (d *Draft) Seal(ctx context.Context, blobs BlobStore) (*Ref, error) {
	url, err := blobs.Upload(ctx, d.ID, d.ContentType, d.previewPath)
	if err != nil {
		return nil, err
	}
	return &Ref{Kind: d.Kind, URL: url}, nil
}
