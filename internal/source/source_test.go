package source

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeSource struct {
	name      string
	available error
	fetched   bool
}

func (f *fakeSource) Name() string     { return f.name }
func (f *fakeSource) Available() error { return f.available }
func (f *fakeSource) Fetch(ctx context.Context, q Query) (Raw, error) {
	f.fetched = true
	return Raw{"source": f.name}, nil
}
func (f *fakeSource) Normalize(q Query, raw Raw) (Payload, error) {
	return Payload(raw), nil
}

func TestResolvePicksHighestPriority(t *testing.T) {
	r := NewRegistry()
	live := &fakeSource{name: "live"}
	fallback := &fakeSource{name: "static"}
	r.Register("company", fallback, 10)
	r.Register("company", live, 100)
	src, err := r.Resolve("company")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src.Name() != "live" {
		t.Fatalf("resolved %s, want live", src.Name())
	}
}

func TestResolveFallsThroughOnPrecondition(t *testing.T) {
	r := NewRegistry()
	live := &fakeSource{name: "live", available: fmt.Errorf("%w: token missing", ErrNotConfigured)}
	fallback := &fakeSource{name: "static"}
	r.Register("company", live, 100)
	r.Register("company", fallback, 10)
	src, err := r.Resolve("company")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src.Name() != "static" {
		t.Fatalf("resolved %s, want static fallback", src.Name())
	}
}

func TestResolveNoneAvailable(t *testing.T) {
	r := NewRegistry()
	r.Register("company", &fakeSource{name: "live", available: ErrNotConfigured}, 100)
	_, err := r.Resolve("company")
	var npa *NoPluginAvailableError
	if !errors.As(err, &npa) {
		t.Fatalf("want NoPluginAvailableError, got %v", err)
	}
	if _, err := r.Resolve("unknown"); err == nil {
		t.Fatal("expected error for unregistered name")
	}
}

func TestValidateFields(t *testing.T) {
	err := ValidateFields(map[string]any{"company_name": "Acme", "domain": "acme.test"}, CauseUser)
	if err != nil {
		t.Fatalf("complete fields rejected: %v", err)
	}
	err = ValidateFields(map[string]any{"company_name": "Acme", "domain": ""}, CauseUser)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if len(ve.MissingFields) != 1 || ve.MissingFields[0] != "domain" {
		t.Fatalf("missing = %v", ve.MissingFields)
	}
	if ve.Cause != CauseUser {
		t.Fatalf("cause = %s", ve.Cause)
	}
}
