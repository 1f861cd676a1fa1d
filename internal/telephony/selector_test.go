package telephony

import (
	"context"
	"errors"
	"testing"

	"github.com/acme/campaign-dispatch/internal/config"
)

type nullAdapter struct{ name string }

func (a *nullAdapter) Name() string { return a.name }
func (a *nullAdapter) PlaceCall(context.Context, CallRequest) (PlacedCall, error) {
	return PlacedCall{}, nil
}
func (a *nullAdapter) ParseCompletion([]byte) (CompletionEvent, error) {
	return CompletionEvent{}, nil
}

func TestResolvePrefersPrimary(t *testing.T) {
	s := NewSelector(&nullAdapter{name: "primary"}, &nullAdapter{name: "fallback"}, config.ProvidersConfig{
		Primary:  config.ProviderConfig{APIKey: "pk"},
		Fallback: config.ProviderConfig{APIKey: "fk", OutboundCallerID: "+15550100"},
	})

	adapter, engaged, err := s.Resolve("agent-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if adapter.Name() != "primary" || engaged {
		t.Fatalf("expected primary without fallback, got %s engaged=%v", adapter.Name(), engaged)
	}
}

func TestResolveFallsBackWhenPrimaryUnconfigured(t *testing.T) {
	s := NewSelector(&nullAdapter{name: "primary"}, &nullAdapter{name: "fallback"}, config.ProvidersConfig{
		Fallback: config.ProviderConfig{APIKey: "fk", OutboundCallerID: "+15550100"},
	})

	adapter, engaged, err := s.Resolve("agent-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if adapter.Name() != "fallback" || !engaged {
		t.Fatalf("expected fallback engaged, got %s engaged=%v", adapter.Name(), engaged)
	}
}

func TestResolveFallbackNeedsCallerID(t *testing.T) {
	s := NewSelector(nil, &nullAdapter{name: "fallback"}, config.ProvidersConfig{
		Fallback: config.ProviderConfig{APIKey: "fk"},
	})

	if _, _, err := s.Resolve("agent-1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured without caller id, got %v", err)
	}
}

func TestResolveRequiresAgentRef(t *testing.T) {
	s := NewSelector(&nullAdapter{name: "primary"}, nil, config.ProvidersConfig{
		Primary: config.ProviderConfig{APIKey: "pk"},
	})
	if _, _, err := s.Resolve(""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for empty agent ref, got %v", err)
	}
}

func TestIsTransientClassification(t *testing.T) {
	if IsTransient(nil) {
		t.Fatal("nil error must not be transient")
	}
	if !IsTransient(Transient(errors.New("429 too many requests"))) {
		t.Fatal("marked error must be transient")
	}
	if IsTransient(errors.New("invalid phone number")) {
		t.Fatal("unmarked error must be permanent")
	}
}
