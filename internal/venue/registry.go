package venue

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry describes one venue id the service accepts.
type Entry struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	// RecvWindow is passed to venues that bound request validity.
	RecvWindow time.Duration `yaml:"recv_window"`
}

// Constructor builds a fresh client for one credential set.
type Constructor func(creds Credentials, e Entry, hc *http.Client) (Client, error)

var constructors = map[string]Constructor{
	"binance":     newBinanceSpot,
	"binanceusdm": newBinanceFutures,
	"paper":       newPaper,
}

// Registry maps venue ids to constructors. It is built once at startup and is
// read-only afterwards.
type Registry struct {
	entries map[string]Entry
	timeout time.Duration
}

func DefaultEntries() []Entry {
	return []Entry{
		{ID: "binance", Kind: "binance", BaseURL: "https://api.binance.com", RecvWindow: 5 * time.Second},
		{ID: "binanceusdm", Kind: "binanceusdm", BaseURL: "https://fapi.binance.com", RecvWindow: 5 * time.Second},
		{ID: "paper", Kind: "paper"},
	}
}

func NewRegistry(entries []Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries)), timeout: 15 * time.Second}
	for _, e := range entries {
		e.ID = strings.ToLower(strings.TrimSpace(e.ID))
		e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
		if e.ID == "" {
			return nil, fmt.Errorf("venue entry without id")
		}
		if e.Kind == "" {
			e.Kind = e.ID
		}
		if _, ok := constructors[e.Kind]; !ok {
			return nil, fmt.Errorf("venue %q: unknown kind %q", e.ID, e.Kind)
		}
		r.entries[e.ID] = e
	}
	return r, nil
}

type venuesFile struct {
	Venues []Entry `yaml:"venues"`
}

// LoadRegistry returns the default registry, or the one described by path
// when path is set. A file replaces the default set entirely.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(DefaultEntries())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venues file: %w", err)
	}
	var f venuesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse venues file: %w", err)
	}
	if len(f.Venues) == 0 {
		return nil, fmt.Errorf("venues file %s lists no venues", path)
	}
	return NewRegistry(f.Venues)
}

func (r *Registry) Lookup(id string) (Entry, error) {
	e, ok := r.entries[strings.ToLower(id)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnsupportedVenue, id)
	}
	return e, nil
}

// New constructs a client for venue id.
func (r *Registry) New(id string, creds Credentials) (Client, error) {
	e, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	if creds.APIKey == "" || creds.Secret == "" {
		return nil, ErrMissingCredentials
	}
	// own transport per client so Close can drop its connections
	hc := &http.Client{
		Timeout:   r.timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
	return constructors[e.Kind](creds, e, hc)
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
