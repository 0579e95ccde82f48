// Package parser turns published M3U country lists into channel lineups.
// Lists come from an upstream index host, are parsed line by line, and
// are held per country in an in-memory store refreshed in the background.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	regexp "github.com/grafana/regexp"
)

// Channel is one playable entry from a country list. The ID is stable
// within a single parse of a list (its position), which is what the
// broken-channel store keys on together with the country code.
type Channel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Logo     string `json:"logo,omitempty"`
	Group    string `json:"group"`
	Language string `json:"language,omitempty"`
	URL      string `json:"url"`
}

var (
	nameTagRe  = regexp.MustCompile(`(?i)\s*\[(Geo-blocked|Not 24/7|Offline)\]\s*`)
	logoRe     = regexp.MustCompile(`tvg-logo="([^"]*)"`)
	groupRe    = regexp.MustCompile(`group-title="([^"]*)"`)
	languageRe = regexp.MustCompile(`tvg-language="([^"]*)"`)
)

// ParseM3U scans an extended M3U document and returns its channels in
// list order. Entries keep their status tags ([Geo-blocked] etc.) out of
// the display name but are never dropped for carrying one. Lines that are
// neither EXTINF directives nor URLs are ignored, so oddities like
// #EXTVLCOPT blocks pass through harmlessly.
func ParseM3U(r io.Reader) ([]Channel, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var channels []Channel
	var current *Channel

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "#EXTINF:") {
			ch := parseEXTINF(line)
			ch.ID = fmt.Sprintf("%d", len(channels))
			current = &ch
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// a bare URL line closes the pending entry; without one it is
		// an orphan and gets skipped
		if current != nil {
			current.URL = line
			channels = append(channels, *current)
			current = nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan playlist: %w", err)
	}
	return channels, nil
}

// parseEXTINF pulls the display name and tvg attributes out of one
// EXTINF directive.
func parseEXTINF(line string) Channel {
	ch := Channel{Group: "General"}

	// the display name follows the last comma
	if idx := strings.LastIndex(line, ","); idx != -1 && idx+1 < len(line) {
		ch.Name = strings.TrimSpace(line[idx+1:])
	}
	if ch.Name == "" {
		ch.Name = "Unknown Channel"
	}
	if clean := strings.TrimSpace(nameTagRe.ReplaceAllString(ch.Name, " ")); clean != "" {
		ch.Name = clean
	}

	if m := logoRe.FindStringSubmatch(line); m != nil {
		ch.Logo = m[1]
	}
	if m := groupRe.FindStringSubmatch(line); m != nil && m[1] != "" {
		ch.Group = strings.SplitN(m[1], ";", 2)[0]
	}
	if m := languageRe.FindStringSubmatch(line); m != nil {
		ch.Language = strings.SplitN(m[1], ";", 2)[0]
	}

	return ch
}
