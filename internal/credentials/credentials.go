// Package credentials extracts the bootstrap root token and API address
// that a dev-mode vault server prints in its startup banner.
package credentials

import (
	"strings"
	"sync"
)

const (
	TokenMarker   = "Root Token:"
	AddressMarker = "Api Address:"

	// TokenWidth and AddressWidth are the fixed value widths printed by the
	// dev server (e.g. "s.xxxxxxxxxxxxxxxxxxxxxxxx" and "http://127.0.0.1:8200").
	TokenWidth   = 26
	AddressWidth = 21

	// the banner fits well within this; older text is dropped
	window = 64 * 1024
)

// Credentials are the secrets-server bootstrap values for one session.
type Credentials struct {
	RootToken  string `json:"root_token"`
	APIAddress string `json:"api_address"`
}

// Complete reports whether both values are known.
func (c Credentials) Complete() bool { return c.RootToken != "" && c.APIAddress != "" }

// Extract scans text for both markers and fills the fields of cur that are
// still empty. A value starts one character after its marker and is taken
// only when its full width is present. Set fields are never overwritten.
func Extract(text string, cur Credentials) Credentials {
	if cur.RootToken == "" {
		cur.RootToken = valueAfter(text, TokenMarker, TokenWidth)
	}
	if cur.APIAddress == "" {
		cur.APIAddress = valueAfter(text, AddressMarker, AddressWidth)
	}
	return cur
}

func valueAfter(text, marker string, width int) string {
	i := strings.Index(text, marker)
	if i < 0 {
		return ""
	}
	start := i + len(marker) + 1
	if start+width > len(text) {
		return ""
	}
	return text[start : start+width]
}

// Scraper accumulates secrets-server output for one session and reports
// when both credentials have been found.
type Scraper struct {
	mu       sync.Mutex
	text     strings.Builder
	creds    Credentials
	reported bool
}

// Feed appends one output line. It returns the credentials and true exactly
// once per session, on the call that first makes both fields known.
func (s *Scraper) Feed(line string) (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reported {
		return s.creds, false
	}
	if s.text.Len()+len(line) > window {
		// banner never completed within the window; keep scanning fresh output
		s.text.Reset()
	}
	s.text.WriteString(line)
	s.text.WriteByte('\n')
	s.creds = Extract(s.text.String(), s.creds)
	if s.creds.Complete() {
		s.reported = true
		s.text.Reset()
		return s.creds, true
	}
	return s.creds, false
}

// Credentials returns whatever has been found so far.
func (s *Scraper) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Clear forgets the session so the next banner is scraped afresh.
func (s *Scraper) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.Reset()
	s.creds = Credentials{}
	s.reported = false
}
