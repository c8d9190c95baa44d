package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	aegiscrypto "github.com/fe-row/AEGIS/internal/aegis/crypto"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/rotation"
)

type fakeFlusher struct {
	calls int32
}

func (f *fakeFlusher) FlushBuffer(context.Context) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, nil
}

type fakeVault struct {
	secrets []*model.Secret
	marked  chan string
}

func (v *fakeVault) ListSecretsForRotation(context.Context, time.Time) ([]*model.Secret, error) {
	return v.secrets, nil
}

func (v *fakeVault) MarkSecretRotated(_ context.Context, secretID string, _ []byte, _ time.Time) error {
	v.marked <- secretID
	return nil
}

func TestSchedulerStopDrainsAuditBuffer(t *testing.T) {
	flusher := &fakeFlusher{}
	vault := &fakeVault{marked: make(chan string, 1)}
	crypto, err := aegiscrypto.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}

	s := New(flusher, vault, crypto, rotation.NewRegistry(nil), nil, Config{
		AuditFlushInterval:    time.Hour,
		RotationCheckInterval: time.Hour,
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if atomic.LoadInt32(&flusher.calls) < 1 {
		t.Fatal("expected Stop to run at least one final flush")
	}
}

func TestSchedulerRotatesDueSecrets(t *testing.T) {
	crypto, err := aegiscrypto.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}
	subject := []byte("sponsor:s1:service:openai")
	enc, err := crypto.Encrypt(subject, "aegis-secret-vault", []byte("old-secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	flusher := &fakeFlusher{}
	vault := &fakeVault{
		secrets: []*model.Secret{{
			ID:                "sec-1",
			SponsorID:         "s1",
			ServiceName:       "openai",
			EncryptedValue:    enc,
			RotationIntervalH: 24,
		}},
		marked: make(chan string, 1),
	}

	s := New(flusher, vault, crypto, rotation.NewRegistry(nil), nil, Config{})

	if err := s.rotationTick(context.Background()); err != nil {
		t.Fatalf("rotationTick: %v", err)
	}

	select {
	case id := <-vault.marked:
		if id != "sec-1" {
			t.Fatalf("unexpected rotated secret id: %q", id)
		}
	default:
		t.Fatal("expected MarkSecretRotated to be called")
	}
}
