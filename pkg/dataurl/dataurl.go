// Package dataurl decodes the base64 data URIs exchanged with the remote
// worker and browser clients into raw image bytes.
package dataurl

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const defaultMediaType = "image/png"

var ErrInvalidDataURL = errors.New("dataurl: invalid payload")

// IsDataURL reports whether s carries a data-URI prefix.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// Decode accepts either a data URI or bare base64 and returns the raw bytes
// plus the media type ("image/png" when the payload does not name one).
func Decode(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", ErrInvalidDataURL
	}
	mediaType := defaultMediaType
	if IsDataURL(s) {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", ErrInvalidDataURL
		}
		meta := s[len("data:"):comma]
		if semi := strings.IndexByte(meta, ';'); semi >= 0 {
			meta = meta[:semi]
		}
		if meta != "" {
			mediaType = meta
		}
		s = s[comma+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return raw, mediaType, nil
}

// Normalize ensures s is a self-describing data URI, wrapping bare base64
// payloads with the default media type.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || IsDataURL(s) {
		return s
	}
	return "data:" + defaultMediaType + ";base64," + s
}
