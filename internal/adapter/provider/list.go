// Package provider reads an organization's local observations so they can be
// shared through the engine.
package provider

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

// ListConfig describes one blocklist. Every entry inherits the list's
// classification.
type ListConfig struct {
	Name       string                `yaml:"name"`
	Location   string                `yaml:"location"` // http(s) URL or file path
	Category   domain.ThreatCategory `yaml:"threat_category"`
	Severity   domain.Severity       `yaml:"severity"`
	Confidence float64               `yaml:"confidence"`
	TTLHours   int                   `yaml:"ttl_hours"`
	// ExtractHosts also emits the host of every URL entry as its own
	// observation, so lookups on a bare IP or domain match.
	ExtractHosts bool `yaml:"extract_hosts"`
}

// ListProvider parses a plain text list, one observable per line. Blank
// lines and lines starting with '#' or '//' are skipped, as are inline '#'
// comments.
type ListProvider struct {
	client *http.Client
	cfg    ListConfig
	logger zerolog.Logger
}

var _ ports.ObservationProvider = (*ListProvider)(nil)

func NewListProvider(client *http.Client, cfg ListConfig, logger zerolog.Logger) *ListProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &ListProvider{client: client, cfg: cfg, logger: logger}
}

func (p *ListProvider) Name() string {
	return p.cfg.Name
}

func (p *ListProvider) FetchObservations(ctx context.Context) ([]domain.ShareRequest, error) {
	p.logger.Debug().Str("provider", p.cfg.Name).Msg("fetching list")

	body, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return p.parse(body)
}

func (p *ListProvider) open(ctx context.Context) (io.ReadCloser, error) {
	loc := p.cfg.Location
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		f, err := os.Open(loc)
		if err != nil {
			return nil, errors.Wrapf(err, "open list %s", p.cfg.Name)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch list %s", p.cfg.Name)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("failed to fetch list %s: %s", p.cfg.Name, resp.Status)
	}
	return resp.Body, nil
}

func (p *ListProvider) parse(r io.Reader) ([]domain.ShareRequest, error) {
	var out []domain.ShareRequest
	seen := make(map[string]struct{})
	add := func(value string, t domain.IOCType) {
		key := domain.NormalizeIOCValue(value)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, domain.ShareRequest{
			Value:          value,
			IOCType:        t,
			ThreatCategory: p.cfg.Category,
			Severity:       p.cfg.Severity,
			Confidence:     p.cfg.Confidence,
			TTLHours:       p.cfg.TTLHours,
		})
	}

	scanner := bufio.NewScanner(r)
	lines := 0
	for scanner.Scan() {
		lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if idx := strings.Index(line, "#"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}
		// some lists append a score or port after whitespace
		if fields := strings.Fields(line); len(fields) > 0 {
			line = fields[0]
		}
		if line == "" {
			continue
		}

		t := domain.InferIOCType(line)
		if t == domain.IPv4 || t == domain.IPv6 {
			// "198.51.100.7:8080" is shared as the bare address
			if host, _, err := net.SplitHostPort(line); err == nil {
				line = host
			}
		}
		add(line, t)

		if t == domain.URL && p.cfg.ExtractHosts {
			if u, err := url.Parse(line); err == nil && u.Hostname() != "" {
				add(u.Hostname(), domain.InferIOCType(u.Hostname()))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanner error")
	}

	p.logger.Info().
		Str("provider", p.cfg.Name).
		Int("lines", lines).
		Int("observations", len(out)).
		Msg("list parsed")
	return out, nil
}
