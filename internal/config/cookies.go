package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// cookieRecord is one stored cookie in the cookie file.
type cookieRecord struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// FileCookieSource serves session cookies from a JSON file mapping
// server keys to cookie lists. The file is re-read when its mtime
// changes so refreshed sessions are picked up without a restart.
type FileCookieSource struct {
	path string

	mu      sync.Mutex
	loaded  map[string][]cookieRecord
	modTime time.Time
}

// NewFileCookieSource creates a cookie source over the given file. The
// file may not exist yet; lookups then fail until it appears.
func NewFileCookieSource(path string) *FileCookieSource {
	return &FileCookieSource{path: path}
}

// Cookies returns the session cookies for a server key.
func (f *FileCookieSource) Cookies(serverKey string) ([]*http.Cookie, error) {
	if err := f.refresh(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	records := f.loaded[serverKey]
	f.mu.Unlock()

	if len(records) == 0 {
		return nil, fmt.Errorf("no session cookies stored for %s", serverKey)
	}

	out := make([]*http.Cookie, 0, len(records))
	for _, r := range records {
		out = append(out, &http.Cookie{
			Name:   r.Name,
			Value:  r.Value,
			Domain: r.Domain,
			Path:   r.Path,
		})
	}
	return out, nil
}

func (f *FileCookieSource) refresh() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("cookie file unavailable: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded != nil && info.ModTime().Equal(f.modTime) {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("cookie file read failed: %w", err)
	}
	var parsed map[string][]cookieRecord
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("cookie file parse failed: %w", err)
	}

	f.loaded = parsed
	f.modTime = info.ModTime()
	return nil
}
