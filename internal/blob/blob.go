// Package blob stores uploaded files durably and hands back stable locators.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrNotFound is returned when a locator names no stored object.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidLocator is returned for locators the store cannot parse.
	ErrInvalidLocator = errors.New("invalid blob locator")
)

// Object is a file to store.
type Object struct {
	DocumentID  string
	Filename    string
	ContentType string
	Data        []byte
}

// Ref describes a stored object. Locator is opaque to callers.
type Ref struct {
	Locator  string
	Size     int64
	Checksum string
}

// Store is a durable write-once file store. Put returns only after the data
// is durable.
type Store interface {
	Put(ctx context.Context, ownerID string, obj Object) (Ref, error)
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	Delete(ctx context.Context, locator string) error
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "_"
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

// objectKey builds "documents/<owner>/<id><ext>".
func objectKey(ownerID string, obj Object) string {
	ext := strings.ToLower(filepath.Ext(obj.Filename))
	if len(ext) > 10 || unsafeChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	return fmt.Sprintf("documents/%s/%s%s", sanitize(ownerID), sanitize(obj.DocumentID), ext)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// splitLocator returns the key of a locator with the given scheme prefix.
func splitLocator(locator, scheme string) (string, error) {
	key, ok := strings.CutPrefix(locator, scheme+"://")
	if !ok || key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return key, nil
}
