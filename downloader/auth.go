package downloader

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// httpOnlyPrefix marks HttpOnly cookies in files exported by browsers
const httpOnlyPrefix = "#HttpOnly_"

// CookieStore holds cookies loaded from a Netscape-format cookies file, the
// format yt-dlp reads with --cookies
type CookieStore struct {
	fs      afero.Fs
	now     func() time.Time
	cookies []*http.Cookie
	mutex   sync.RWMutex
}

// NewCookieStore creates an empty store reading files from fs
func NewCookieStore(fs afero.Fs) *CookieStore {
	return &CookieStore{fs: fs, now: time.Now}
}

// Load replaces the stored cookies with the contents of path and returns how
// many unexpired cookies were loaded
func (s *CookieStore) Load(path string) (int, error) {
	file, err := s.fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open cookie file: %w", err)
	}
	defer file.Close()

	now := s.now()
	var cookies []*http.Cookie

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			httpOnly = true
			line = strings.TrimPrefix(line, httpOnlyPrefix)
		} else if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		cookie, err := parseNetscapeCookieLine(line)
		if err != nil {
			return 0, fmt.Errorf("invalid cookie format at line %d: %w", lineNum, err)
		}
		cookie.HttpOnly = httpOnly

		if !cookie.Expires.IsZero() && cookie.Expires.Before(now) {
			continue
		}
		cookies = append(cookies, cookie)
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading cookie file: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clear()
	s.cookies = cookies
	return len(cookies), nil
}

// parseNetscapeCookieLine parses a single line from Netscape cookie format
// Format: domain	includeSubdomains	path	secure	expiration	name	value
func parseNetscapeCookieLine(line string) (*http.Cookie, error) {
	fields := strings.Split(line, "\t")
	if len(fields) == 6 {
		// empty values are sometimes written without the trailing tab
		fields = append(fields, "")
	}
	if len(fields) != 7 {
		return nil, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}

	domain := fields[0]
	if domain == "" {
		return nil, fmt.Errorf("empty domain")
	}
	name := fields[5]
	if name == "" {
		return nil, fmt.Errorf("empty cookie name")
	}

	var expires time.Time
	if expirationStr := fields[4]; expirationStr != "0" && expirationStr != "" {
		timestamp, err := strconv.ParseInt(expirationStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid expiration timestamp: %w", err)
		}
		expires = time.Unix(timestamp, 0)
	}

	return &http.Cookie{
		Name:    name,
		Value:   fields[6],
		Domain:  domain,
		Path:    fields[2],
		Expires: expires,
		Secure:  strings.EqualFold(fields[3], "TRUE"),
	}, nil
}

// ForURL returns the unexpired cookies that apply to rawURL
func (s *CookieStore) ForURL(target *url.URL) []*http.Cookie {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	now := s.now()
	host := strings.ToLower(target.Hostname())
	var matched []*http.Cookie
	for _, cookie := range s.cookies {
		if !cookie.Expires.IsZero() && cookie.Expires.Before(now) {
			continue
		}
		if cookie.Secure && target.Scheme != "https" {
			continue
		}
		if !domainMatches(host, cookie.Domain) || !pathMatches(target.Path, cookie.Path) {
			continue
		}
		matched = append(matched, cookie)
	}
	return matched
}

func domainMatches(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func pathMatches(requestPath, cookiePath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if requestPath == "" {
		requestPath = "/"
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return len(requestPath) == len(cookiePath) ||
		strings.HasSuffix(cookiePath, "/") ||
		requestPath[len(cookiePath)] == '/'
}

// Len returns the number of stored cookies
func (s *CookieStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.cookies)
}

// clear overwrites cookie values before dropping them
func (s *CookieStore) clear() {
	for _, cookie := range s.cookies {
		cookie.Value = ""
	}
	s.cookies = nil
}

// Cleanup clears all stored cookies
func (s *CookieStore) Cleanup() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clear()
}
