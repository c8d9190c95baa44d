package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestDeliverSignsRequest(t *testing.T) {
	secret := []byte("shared-secret")
	var gotSig, gotTS string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Aegis-Signature")
		gotTS = r.Header.Get("X-Aegis-Timestamp")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := New(secret, nil)
	if err := sink.Deliver(context.Background(), srv.URL, map[string]string{"event": "hitl_pending"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotSig == "" || gotTS == "" {
		t.Fatal("expected signature and timestamp headers to be set")
	}

	ts, err := strconv.ParseInt(gotTS, 10, 64)
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	if !sink.Verify(gotSig, ts, gotBody) {
		t.Fatal("expected delivered signature to verify against the body actually sent")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	sink := New([]byte("secret"), nil)
	old := time.Now().Add(-10 * time.Minute).Unix()
	sig := sink.sign(old, []byte(`{}`))
	if sink.Verify("sha256="+sig, old, []byte(`{}`)) {
		t.Fatal("expected stale timestamp to be rejected")
	}
}
