// Package static provides the dataset-backed fallback source: a bundled
// snapshot of company records used when no live backend is configured.
package static

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"caseflow/internal/source"
)

//go:embed dataset.json
var datasetFS embed.FS

// Record is one company entry in the dataset.
type Record struct {
	CompanyName   string `json:"company_name"`
	Domain        string `json:"domain"`
	Industry      string `json:"industry,omitempty"`
	HQCountry     string `json:"hq_country,omitempty"`
	EmployeeCount int    `json:"employee_count,omitempty"`
	ContactEmail  string `json:"contact_email,omitempty"`
}

// Source serves lookups from the embedded dataset, or from an external
// JSON file when Path is set.
type Source struct {
	// Path optionally overrides the embedded dataset.
	Path string

	once    sync.Once
	records []Record
	loadErr error
}

// New returns a dataset source. An empty path uses the embedded snapshot.
func New(path string) *Source {
	return &Source{Path: path}
}

func (s *Source) Name() string { return "static-dataset" }

// Available always succeeds once the dataset parses; the static source is
// the fallback of last resort.
func (s *Source) Available() error {
	s.load()
	return s.loadErr
}

func (s *Source) load() {
	s.once.Do(func() {
		var data []byte
		var err error
		if s.Path != "" {
			data, err = os.ReadFile(s.Path)
		} else {
			data, err = datasetFS.ReadFile("dataset.json")
		}
		if err != nil {
			s.loadErr = fmt.Errorf("%w: read dataset: %v", source.ErrNotConfigured, err)
			return
		}
		if err := json.Unmarshal(data, &s.records); err != nil {
			s.loadErr = fmt.Errorf("%w: parse dataset: %v", source.ErrNotConfigured, err)
		}
	})
}

// Fetch matches the query against the dataset by domain first, then by
// case-insensitive company name.
func (s *Source) Fetch(ctx context.Context, q source.Query) (source.Raw, error) {
	s.load()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	domain := normalizeDomain(str(q.Fields["domain"]))
	name := strings.ToLower(strings.TrimSpace(str(q.Fields["company_name"])))
	for _, rec := range s.records {
		if domain != "" && normalizeDomain(rec.Domain) == domain {
			return recordToRaw(rec), nil
		}
	}
	for _, rec := range s.records {
		if name != "" && strings.ToLower(rec.CompanyName) == name {
			return recordToRaw(rec), nil
		}
	}
	// No match: return an empty record so normalization reports what is
	// missing instead of failing hard.
	return source.Raw{}, nil
}

// Normalize merges the query fields over the fetched record and validates
// the result. Missing data in the static path is user-correctable: only
// the requester can supply what the snapshot does not know.
func (s *Source) Normalize(q source.Query, raw source.Raw) (source.Payload, error) {
	merged := make(source.Payload, len(raw)+len(q.Fields))
	for k, v := range raw {
		merged[k] = v
	}
	for k, v := range q.Fields {
		if v == nil {
			continue
		}
		if sv, ok := v.(string); ok && sv == "" {
			continue
		}
		merged[k] = v
	}
	if err := source.ValidateFields(merged, source.CauseUser); err != nil {
		return nil, err
	}
	return merged, nil
}

func recordToRaw(rec Record) source.Raw {
	raw := source.Raw{
		"company_name": rec.CompanyName,
		"domain":       rec.Domain,
	}
	if rec.Industry != "" {
		raw["industry"] = rec.Industry
	}
	if rec.HQCountry != "" {
		raw["hq_country"] = rec.HQCountry
	}
	if rec.EmployeeCount > 0 {
		raw["employee_count"] = rec.EmployeeCount
	}
	if rec.ContactEmail != "" {
		raw["contact_email"] = rec.ContactEmail
	}
	return raw
}

func normalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return d
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
