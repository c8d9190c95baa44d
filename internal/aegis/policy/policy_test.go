package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEvaluateAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"allowed":true,"requires_hitl":false,"deny_reasons":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	dec := c.Evaluate(context.Background(), Request{AgentID: "a1"})
	if !dec.Allowed || dec.RequiresHITL {
		t.Fatalf("unexpected decision: %+v", dec)
	}
}

func TestEvaluateFailsClosedOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	dec := c.Evaluate(context.Background(), Request{AgentID: "a1"})
	if dec.Allowed || dec.RequiresHITL {
		t.Fatalf("expected fail-closed denial, got %+v", dec)
	}
	if len(dec.DenyReasons) == 0 {
		t.Fatal("expected a deny reason explaining the failure")
	}
}

func TestEvaluateFailsClosedOnUnreachableHost(t *testing.T) {
	c := New("http://127.0.0.1:1", nil)
	dec := c.Evaluate(context.Background(), Request{AgentID: "a1"})
	if dec.Allowed {
		t.Fatal("expected fail-closed denial on unreachable policy engine")
	}
}

func TestEvaluateFailsClosedOnMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	dec := c.Evaluate(context.Background(), Request{AgentID: "a1"})
	if dec.Allowed {
		t.Fatal("expected fail-closed denial on malformed JSON")
	}
}
