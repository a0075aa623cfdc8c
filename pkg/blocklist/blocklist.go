package blocklist

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"cleannet/pkg/domain"
	"cleannet/pkg/logging"
)

// ErrMissingField is returned when a phishing document has no array under the
// configured field.
var ErrMissingField = errors.New("phishing list field not found")

// Loader reads block list sources from disk or over HTTP and parses them
type Loader struct {
	client *http.Client
	logger *logging.Logger
}

// NewLoader creates a loader with a custom HTTP client.
// The HTTP client should be configured with appropriate DNS resolution (e.g., using pkg/resolver).
// If client is nil, a default HTTP client with 60s timeout will be created.
func NewLoader(logger *logging.Logger, client *http.Client) *Loader {
	if client == nil {
		client = &http.Client{
			Timeout: 60 * time.Second, // Long timeout for large files
		}
	}

	return &Loader{
		client: client,
		logger: logger,
	}
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Open returns a reader for source, which is either a local path or an
// http(s) URL.
func (l *Loader) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	if !isRemote(source) {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", source, err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", source, err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// LoadAds reads and parses the ad list at source.
func (l *Loader) LoadAds(ctx context.Context, source string) (*Set, error) {
	return l.load(ctx, source, ParseAdList)
}

// LoadPhishing reads and parses the phishing document at source, collecting
// the domains found under field.
func (l *Loader) LoadPhishing(ctx context.Context, source, field string) (*Set, error) {
	return l.load(ctx, source, func(r io.Reader) (map[string]struct{}, error) {
		return ParsePhishingList(r, field)
	})
}

func (l *Loader) load(ctx context.Context, source string, parse func(io.Reader) (map[string]struct{}, error)) (*Set, error) {
	startTime := time.Now()

	rc, err := l.Open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	domains, err := parse(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}

	l.logger.Debug("Block list parsed",
		"source", source,
		"domains", len(domains),
		"duration", time.Since(startTime))

	return NewSet(domains), nil
}

// ParseAdList parses a line-oriented block list.
// Supports formats:
// - domain.com (plain list)
// - 0.0.0.0 domain.com / 127.0.0.1 domain.com (hosts file)
// - ||domain.com^ (adblock format)
// Blank lines and lines starting with # are ignored.
func ParseAdList(r io.Reader) (map[string]struct{}, error) {
	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		d := domain.Normalize(extractDomain(line))
		if d == "" {
			continue
		}
		domains[d] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading block list: %w", err)
	}

	return domains, nil
}

// extractDomain extracts a domain from various blocklist formats. Inline
// "#" comments are dropped, and bare IP literals yield nothing.
func extractDomain(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}

	// Adblock format: ||domain.com^
	if strings.HasPrefix(line, "||") && strings.Contains(line, "^") {
		d := strings.TrimPrefix(line, "||")
		d = strings.Split(d, "^")[0]
		return strings.TrimSpace(d)
	}

	fields := strings.Fields(line)
	switch {
	case len(fields) >= 2:
		// Hosts file format: 0.0.0.0 domain.com
		if net.ParseIP(fields[0]) != nil {
			return skipLocalhost(fields[1])
		}
	case len(fields) == 1:
		if net.ParseIP(fields[0]) != nil {
			return ""
		}
		return skipLocalhost(fields[0])
	}

	return ""
}

func skipLocalhost(d string) string {
	switch strings.ToLower(d) {
	case "localhost", "localhost.localdomain":
		return ""
	}
	return d
}

// ParsePhishingList parses a JSON document and returns the normalized domains
// in the string array stored under field. Entries that are not strings or
// are blank are skipped.
func ParsePhishingList(r io.Reader, field string) (map[string]struct{}, error) {
	var doc map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid phishing document: %w", err)
	}

	raw, ok := doc[field]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, field)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("field %q is not an array: %w", field, err)
	}

	domains := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		var s string
		if err := json.Unmarshal(entry, &s); err != nil {
			continue
		}
		if d := domain.Normalize(s); d != "" {
			domains[d] = struct{}{}
		}
	}

	return domains, nil
}
