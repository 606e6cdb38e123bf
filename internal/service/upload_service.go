package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/taleforge/api/internal/client"
	"github.com/taleforge/api/pkg/imageutil"
)

const MaxPhotoSize = 15 << 20

// photoExtensions maps sniffed content types to the extension photos are
// stored under.
var photoExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

// InvalidPhotoError rejects an upload that is not a usable photo.
type InvalidPhotoError struct {
	Reason string
}

func (e *InvalidPhotoError) Error() string {
	return "invalid photo: " + e.Reason
}

// UploadService stores user photos in object storage
type UploadService struct {
	storage client.StorageClient
}

func NewUploadService(storage client.StorageClient) *UploadService {
	return &UploadService{storage: storage}
}

// PhotoExtension validates an uploaded photo and returns the extension it
// is stored under.
func PhotoExtension(data []byte) (string, error) {
	if len(data) == 0 {
		return "", &InvalidPhotoError{Reason: "empty file"}
	}
	if len(data) > MaxPhotoSize {
		return "", &InvalidPhotoError{Reason: fmt.Sprintf("file exceeds %d bytes", MaxPhotoSize)}
	}
	ext, ok := photoExtensions[http.DetectContentType(data)]
	if !ok {
		return "", &InvalidPhotoError{Reason: "unsupported format, expected JPEG, PNG or WebP"}
	}
	if _, err := imageutil.Decode(data); err != nil {
		return "", &InvalidPhotoError{Reason: "file cannot be decoded"}
	}
	return ext, nil
}

// StorePhoto writes a validated photo at keyFor(ext) and returns its URI.
func (s *UploadService) StorePhoto(ctx context.Context, data []byte, keyFor func(ext string) string) (string, error) {
	ext, err := PhotoExtension(data)
	if err != nil {
		return "", err
	}
	contentType := "image/" + ext
	if ext == "jpg" {
		contentType = "image/jpeg"
	}
	uri, err := s.storage.Put(ctx, keyFor(ext), data, contentType)
	if err != nil {
		return "", fmt.Errorf("failed to store photo: %w", err)
	}
	return uri, nil
}

// GetSignedURL generates a presigned URL for an object URI.
func (s *UploadService) GetSignedURL(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	key, err := client.KeyFromURI(uri)
	if err != nil {
		return "", err
	}
	return s.storage.GetSignedURL(ctx, key, expiry)
}

// Delete removes the object at uri.
func (s *UploadService) Delete(ctx context.Context, uri string) error {
	key, err := client.KeyFromURI(uri)
	if err != nil {
		return err
	}
	return s.storage.Delete(ctx, key)
}
