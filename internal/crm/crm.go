// Package crm pushes completed research results into the company CRM,
// guarding against duplicate records with a hybrid domain/name score.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"caseflow/internal/logging"
	"caseflow/internal/retry"
)

// Company is the CRM's view of a company record.
type Company struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Domain string `json:"website_domain"`
}

// UpsertResult reports what the upsert did.
type UpsertResult struct {
	CompanyID string
	Created   bool
	Score     float64
}

// Upserter writes company records to the CRM HTTP API.
type Upserter struct {
	BaseURL   string
	Token     string
	Threshold float64
	Client    *http.Client
}

func (u *Upserter) client() *http.Client {
	if u.Client != nil {
		return u.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (u *Upserter) threshold() float64 {
	if u.Threshold > 0 {
		return u.Threshold
	}
	return DefaultThreshold
}

// Configured reports whether the upserter can reach a CRM.
func (u *Upserter) Configured() bool {
	return u != nil && u.BaseURL != "" && u.Token != ""
}

// Upsert creates the company or updates the best-matching existing
// record when its duplicate score reaches the threshold.
func (u *Upserter) Upsert(ctx context.Context, fields map[string]string) (UpsertResult, error) {
	candidate := Company{Name: fields["company_name"], Domain: fields["domain"]}
	if candidate.Name == "" && candidate.Domain == "" {
		return UpsertResult{}, retry.Permanent(fmt.Errorf("upsert needs company_name or domain"))
	}

	existing, err := u.search(ctx, candidate)
	if err != nil {
		return UpsertResult{}, err
	}

	var best Company
	var bestScore float64
	for _, e := range existing {
		if s := HybridScore(e, candidate); s > bestScore {
			best, bestScore = e, s
		}
	}

	log := logging.New("crm")
	if bestScore >= u.threshold() && best.ID != "" {
		log.Info("duplicate found, updating record",
			"company_id", best.ID, "score", fmt.Sprintf("%.2f", bestScore))
		if err := u.write(ctx, http.MethodPatch, "/companies/"+best.ID, fields); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{CompanyID: best.ID, Score: bestScore}, nil
	}

	id, err := u.create(ctx, fields)
	if err != nil {
		return UpsertResult{}, err
	}
	log.Info("created company record", "company_id", id)
	return UpsertResult{CompanyID: id, Created: true, Score: bestScore}, nil
}

func (u *Upserter) search(ctx context.Context, c Company) ([]Company, error) {
	q := url.Values{}
	if c.Domain != "" {
		q.Set("domain", NormalizeDomain(c.Domain))
	} else {
		q.Set("name", c.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.BaseURL+"/companies/search?"+q.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+u.Token)
	resp, err := u.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("crm search: status %d", resp.StatusCode)
	default:
		return nil, retry.Permanent(fmt.Errorf("crm search: status %d", resp.StatusCode))
	}
	var out struct {
		Results []Company `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("crm search: decode: %w", err))
	}
	return out.Results, nil
}

func (u *Upserter) create(ctx context.Context, fields map[string]string) (string, error) {
	body, err := u.do(ctx, http.MethodPost, "/companies", fields)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", retry.Permanent(fmt.Errorf("crm create: decode: %w", err))
	}
	return out.ID, nil
}

func (u *Upserter) write(ctx context.Context, method, path string, fields map[string]string) error {
	_, err := u.do(ctx, method, path, fields)
	return err
}

func (u *Upserter) do(ctx context.Context, method, path string, fields map[string]string) ([]byte, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+u.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := u.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("crm %s %s: status %d", method, path, resp.StatusCode)
	default:
		return nil, retry.Permanent(fmt.Errorf("crm %s %s: status %d", method, path, resp.StatusCode))
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
