package artifacts

import (
	"errors"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultSavePath is used when a request carries no save path
const DefaultSavePath = "default_path"

const maxSavePathLen = 200

var (
	// ErrInvalidSavePath is returned when nothing usable remains after sanitizing
	ErrInvalidSavePath = errors.New("invalid save_path")
	// ErrUnsafePath is returned for file requests that could leave the served directory
	ErrUnsafePath = errors.New("unsafe path")
)

// SanitizeSavePath turns a caller-supplied save path into a single safe
// file name stem. Characters outside [A-Za-z0-9._-] become '_' and leading
// dots are removed.
func SanitizeSavePath(raw string) (string, error) {
	s := strings.TrimSpace(norm.NFKC.String(raw))
	if s == "" {
		return DefaultSavePath, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if isSafeRune(c) {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" || len(out) > maxSavePathLen {
		return "", ErrInvalidSavePath
	}
	return out, nil
}

func isSafeRune(c rune) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '.' || c == '_' || c == '-'
}

// SafeJoin joins base and a single file name, rejecting names that contain
// separators, are relative references or would resolve outside base.
func SafeJoin(base, name string) (string, error) {
	if !isSingleComponent(name) {
		return "", ErrUnsafePath
	}
	full := filepath.Join(base, name)
	rel, err := filepath.Rel(base, full)
	if err != nil || rel != name {
		return "", ErrUnsafePath
	}
	return full, nil
}

func isSingleComponent(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
