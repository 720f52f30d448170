package utils

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"mediafetch/internal"
)

// directMediaExtensions are served as plain files and need no extractor
var directMediaExtensions = map[string]bool{
	".mp4": true, ".m4v": true, ".mkv": true, ".webm": true, ".mov": true, ".avi": true,
	".mp3": true, ".m4a": true, ".aac": true, ".flac": true, ".ogg": true, ".opus": true, ".wav": true,
	".zip": true, ".iso": true, ".pdf": true,
}

// URLValidator checks that inputs look like fetchable media URLs
type URLValidator struct {
	blockedHosts map[string]bool
}

// NewURLValidator creates a validator that rejects loopback-only hosts unless allowLocal is set
func NewURLValidator(allowLocal bool) *URLValidator {
	blocked := map[string]bool{}
	if !allowLocal {
		blocked["localhost"] = true
		blocked["127.0.0.1"] = true
		blocked["::1"] = true
	}
	return &URLValidator{blockedHosts: blocked}
}

// ValidateURL validates scheme and host
func (v *URLValidator) ValidateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return internal.NewValidationError("url", "URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return internal.NewValidationError("url", fmt.Sprintf("invalid URL format: %v", err))
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return internal.NewValidationErrorWithValue("url", "URL must use http or https protocol", rawURL)
	}

	host := strings.ToLower(parsedURL.Hostname())
	if host == "" {
		return internal.NewValidationErrorWithValue("url", "URL has no host", rawURL)
	}
	if v.blockedHosts[host] {
		return internal.NewValidationErrorWithValue("url", "local addresses are not allowed", rawURL).
			WithSuggestion("Pass --allow-local to fetch from this machine")
	}

	return nil
}

// NormalizeURL trims whitespace and drops fragments so equivalent inputs share
// cache and session keys
func NormalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.Fragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	return parsed.String()
}

// IsDirectMediaURL reports whether the URL path ends in a known file extension
func IsDirectMediaURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return directMediaExtensions[strings.ToLower(path.Ext(parsed.Path))]
}

// FilenameFromURL derives a safe local filename from the last path segment
func FilenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return SanitizeFilename(rawURL)
	}
	base := path.Base(parsed.Path)
	if base == "." || base == "/" || base == "" {
		return SanitizeFilename(parsed.Hostname())
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return SanitizeFilename(base)
}
