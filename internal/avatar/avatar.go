// Package avatar stores the profile picture shown next to the presence.
package avatar

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/yabosen/presence/internal/logging"
	"github.com/yabosen/presence/internal/presence"
	"github.com/yabosen/presence/internal/storage"
)

const (
	DefaultMaxBytes   = 500 << 10 // 500 KiB decoded
	DefaultURL        = "https://yabosen.live/emo-avatar.png"
	dataURLPrefix     = "data:image/"
	CacheControlValue = "public, max-age=60, stale-while-revalidate=300"
)

var dataURLPattern = regexp.MustCompile(`^data:image/(\w+);base64,(.+)$`)

// Image is a decoded avatar.
type Image struct {
	ContentType string
	Data        []byte
}

// DataURL encodes the image back into its data URL form.
func (i Image) DataURL() string {
	subtype := strings.TrimPrefix(i.ContentType, "image/")
	return dataURLPrefix + subtype + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// ParseDataURL decodes "data:image/<type>;base64,<payload>".
func ParseDataURL(s string) (Image, error) {
	m := dataURLPattern.FindStringSubmatch(s)
	if m == nil {
		return Image{}, fmt.Errorf("not a base64 image data URL")
	}
	data, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return Image{}, fmt.Errorf("decode avatar payload: %w", err)
	}
	return Image{ContentType: "image/" + strings.ToLower(m[1]), Data: data}, nil
}

// Backend persists the single avatar. Load returns storage.ErrNotFound when
// nothing has been uploaded.
type Backend interface {
	Load(ctx context.Context) (Image, error)
	Save(ctx context.Context, img Image) error
}

// KVBackend keeps the avatar as a data URL under one key of the State Store.
type KVBackend struct {
	kv  storage.KV
	key string
}

func NewKVBackend(kv storage.KV, key string) *KVBackend {
	return &KVBackend{kv: kv, key: key}
}

func (b *KVBackend) Load(ctx context.Context) (Image, error) {
	raw, err := b.kv.Get(ctx, b.key)
	if err != nil {
		return Image{}, err
	}
	return ParseDataURL(string(raw))
}

func (b *KVBackend) Save(ctx context.Context, img Image) error {
	return b.kv.Set(ctx, b.key, []byte(img.DataURL()))
}

// Options tunes a Service.
type Options struct {
	MaxBytes   int
	DefaultURL string
}

// Service validates uploads and serves the stored avatar.
type Service struct {
	backend    Backend
	maxBytes   int
	defaultURL string
}

func NewService(backend Backend, opts Options) *Service {
	s := &Service{backend: backend, maxBytes: opts.MaxBytes, defaultURL: opts.DefaultURL}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxBytes
	}
	if s.defaultURL == "" {
		s.defaultURL = DefaultURL
	}
	return s
}

// DefaultURL is where readers are redirected when no avatar can be served.
func (s *Service) DefaultURL() string { return s.defaultURL }

// Set validates a data URL and stores it. It returns the decoded size.
func (s *Service) Set(ctx context.Context, dataURL string) (int, error) {
	if dataURL == "" {
		return 0, &presence.ValidationError{
			Field:   "avatar",
			Message: "Missing or invalid avatar data. Expected base64 string.",
		}
	}
	if !strings.HasPrefix(dataURL, dataURLPrefix) {
		return 0, &presence.ValidationError{
			Field:   "avatar",
			Message: `Avatar must be a base64 data URL starting with "data:image/"`,
		}
	}
	img, err := ParseDataURL(dataURL)
	if err != nil {
		return 0, &presence.ValidationError{Field: "avatar", Message: "Avatar is not valid base64 image data"}
	}
	if len(img.Data) > s.maxBytes {
		return 0, &presence.ValidationError{
			Field: "avatar",
			Message: fmt.Sprintf("Avatar too large. Max size is %dKB, received %dKB",
				s.maxBytes/1024, kilobytes(len(img.Data))),
		}
	}
	if err := s.backend.Save(ctx, img); err != nil {
		return 0, &presence.StoreError{Op: "set avatar", Err: err}
	}
	logging.C(ctx).Info("avatar updated",
		zap.String("content_type", img.ContentType),
		zap.Int("bytes", len(img.Data)),
	)
	return len(img.Data), nil
}

// Get returns the stored avatar. Callers redirect to DefaultURL on any error.
func (s *Service) Get(ctx context.Context) (Image, error) {
	img, err := s.backend.Load(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.C(ctx).Warn("avatar load failed", zap.Error(err))
		}
		return Image{}, err
	}
	return img, nil
}

// FormatSize renders a byte count the way upload responses report it.
func FormatSize(n int) string {
	return fmt.Sprintf("%dKB", kilobytes(n))
}

func kilobytes(n int) int {
	return (n + 512) / 1024
}
