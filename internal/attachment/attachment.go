// Package attachment stores uploaded chat files on disk and records them in the store.
package attachment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"roomchat/internal/domain"
)

const defaultMaxSizeBytes = 10 * 1024 * 1024

// Config configures the attachment service.
type Config struct {
	Dir          string // base directory for stored files
	MaxSizeBytes int64
	Store        domain.AttachmentStore
	Logger       *slog.Logger
}

// Service handles file uploads, storage, and retrieval.
type Service struct {
	dir          string
	maxSizeBytes int64
	store        domain.AttachmentStore
	logger       *slog.Logger
}

// New creates the storage directory and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("attachment dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment storage: %w", err)
	}
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = defaultMaxSizeBytes
	}
	return &Service{
		dir:          cfg.Dir,
		maxSizeBytes: maxSize,
		store:        cfg.Store,
		logger:       cfg.Logger,
	}, nil
}

// MaxSizeBytes is the upload limit.
func (s *Service) MaxSizeBytes() int64 { return s.maxSizeBytes }

// Save writes reader to disk and records the attachment for roomID. An empty
// mimeType is sniffed from the file extension and then the content.
func (s *Service) Save(ctx context.Context, roomID, filename, mimeType string, reader io.Reader) (*domain.Attachment, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		filename = "upload"
	}

	id := uuid.New().String()
	storagePath := filepath.Join(s.dir, id+strings.ToLower(filepath.Ext(filename)))

	out, err := os.Create(storagePath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	var head [512]byte
	n, _ := io.ReadFull(reader, head[:])
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = detectType(filename, head[:n])
	}
	if !IsSupportedType(mimeType) {
		out.Close()
		os.Remove(storagePath)
		return nil, fmt.Errorf("unsupported file type %q: %w", mimeType, domain.ErrInvalid)
	}

	limited := io.LimitReader(io.MultiReader(bytes.NewReader(head[:n]), reader), s.maxSizeBytes+1)
	written, err := io.Copy(out, limited)
	out.Close()
	if err != nil {
		os.Remove(storagePath)
		return nil, fmt.Errorf("write file: %w", err)
	}
	if written > s.maxSizeBytes {
		os.Remove(storagePath)
		return nil, fmt.Errorf("file too large (max %d bytes): %w", s.maxSizeBytes, domain.ErrInvalid)
	}

	att := domain.Attachment{
		ID:          id,
		RoomID:      roomID,
		Filename:    filename,
		MimeType:    mimeType,
		Size:        written,
		StoragePath: storagePath,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveAttachment(ctx, att); err != nil {
		os.Remove(storagePath)
		return nil, fmt.Errorf("record attachment: %w", err)
	}

	s.logger.Info("file stored",
		"id", att.ID,
		"room", roomID,
		"filename", filename,
		"size", written,
		"mime_type", mimeType,
	)
	return &att, nil
}

// Open returns the attachment record and an open handle to its file.
// It returns (nil, nil, nil) when the id is unknown.
func (s *Service) Open(ctx context.Context, id string) (*domain.Attachment, *os.File, error) {
	att, err := s.store.GetAttachment(ctx, id)
	if err != nil || att == nil {
		return nil, nil, err
	}
	f, err := os.Open(att.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open attachment %s: %w", id, err)
	}
	return att, f, nil
}

func detectType(filename string, head []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); t != "" {
		return t
	}
	return http.DetectContentType(head)
}

// IsSupportedType checks if a MIME type may be attached to a message.
func IsSupportedType(mimeType string) bool {
	mt := strings.ToLower(mimeType)
	if base, _, err := mime.ParseMediaType(mt); err == nil {
		mt = base
	}
	supported := []string{
		"text/", "application/json", "application/pdf",
		"image/jpeg", "image/png", "image/gif", "image/webp",
		"audio/", "video/mp4",
	}
	for _, prefix := range supported {
		if strings.HasPrefix(mt, prefix) {
			return true
		}
	}
	return false
}
