package pairing_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/pairing"
	"github.com/lattice-run/convoy/internal/store"
)

func newTestService(t *testing.T, cfg config.PairingConfig) *pairing.Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "convoy.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return pairing.New(st, nil, nil, cfg)
}

func TestCreateAndApproveRequest_ConsumeOnce(t *testing.T) {
	svc := newTestService(t, config.PairingConfig{MaxPendingPerChannel: 3})
	ctx := context.Background()

	req, err := svc.CreatePairingRequest(ctx, "telegram", "user-1", "alice")
	if err != nil {
		t.Fatalf("CreatePairingRequest: %v", err)
	}

	if _, err := svc.ApproveRequest(ctx, "telegram", req.Code); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}

	if _, err := svc.ApproveRequest(ctx, "telegram", req.Code); !errors.Is(err, store.ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound on second approve, got %v", err)
	}

	level, err := svc.TrustLevelFor(ctx, "telegram", "user-1")
	if err != nil {
		t.Fatalf("TrustLevelFor: %v", err)
	}
	if level != store.TrustPaired {
		t.Fatalf("expected paired trust, got %s", level)
	}
}

func TestApproveRequest_WrongChannelRejected(t *testing.T) {
	svc := newTestService(t, config.PairingConfig{MaxPendingPerChannel: 3})
	ctx := context.Background()

	req, err := svc.CreatePairingRequest(ctx, "telegram", "user-1", "alice")
	if err != nil {
		t.Fatalf("CreatePairingRequest: %v", err)
	}

	if _, err := svc.ApproveRequest(ctx, "webchat", req.Code); !errors.Is(err, store.ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound for channel mismatch, got %v", err)
	}
}

func TestRejectRequest(t *testing.T) {
	svc := newTestService(t, config.PairingConfig{MaxPendingPerChannel: 3})
	ctx := context.Background()

	req, err := svc.CreatePairingRequest(ctx, "telegram", "user-1", "alice")
	if err != nil {
		t.Fatalf("CreatePairingRequest: %v", err)
	}
	if err := svc.RejectRequest(ctx, "telegram", req.Code); err != nil {
		t.Fatalf("RejectRequest: %v", err)
	}
	level, err := svc.TrustLevelFor(ctx, "telegram", "user-1")
	if err != nil {
		t.Fatalf("TrustLevelFor: %v", err)
	}
	if level != store.TrustStranger {
		t.Fatalf("expected stranger after reject, got %s", level)
	}
}

func TestCheckAutoApprove_Loopback(t *testing.T) {
	svc := newTestService(t, config.PairingConfig{AutoApproveLocalAdmin: true, AutoApproveOwner: true})
	ctx := context.Background()

	res, err := svc.CheckAutoApprove(ctx, "telegram", "user-1", "127.0.0.1:54321")
	if err != nil {
		t.Fatalf("CheckAutoApprove: %v", err)
	}
	if !res.Approved || res.Reason != pairing.ReasonLocal {
		t.Fatalf("expected local auto-approve, got %+v", res)
	}

	user, err := svc.ValidateCode(ctx, "NOTACODE")
	if err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if user != nil {
		t.Fatalf("expected no user for bogus code, got %+v", user)
	}

	level, err := svc.TrustLevelFor(ctx, "telegram", "user-1")
	if err != nil {
		t.Fatalf("TrustLevelFor: %v", err)
	}
	if level != store.TrustOwner {
		t.Fatalf("expected owner after auto-approve with promote, got %s", level)
	}
}

func TestCheckAutoApprove_DisabledByDefault(t *testing.T) {
	svc := newTestService(t, config.PairingConfig{})
	ctx := context.Background()

	res, err := svc.CheckAutoApprove(ctx, "telegram", "user-1", "127.0.0.1:1")
	if err != nil {
		t.Fatalf("CheckAutoApprove: %v", err)
	}
	if res.Approved {
		t.Fatalf("expected no auto-approve when disabled, got %+v", res)
	}
}

func TestCheckAutoApprove_TailscaleCGNAT(t *testing.T) {
	svc := newTestService(t, config.PairingConfig{AutoApproveTailscale: true})
	ctx := context.Background()

	res, err := svc.CheckAutoApprove(ctx, "telegram", "user-2", "100.101.102.103:9999")
	if err != nil {
		t.Fatalf("CheckAutoApprove: %v", err)
	}
	if !res.Approved || res.Reason != pairing.ReasonTailscale {
		t.Fatalf("expected tailscale auto-approve, got %+v", res)
	}

	res2, err := svc.CheckAutoApprove(ctx, "telegram", "user-3", "8.8.8.8:9999")
	if err != nil {
		t.Fatalf("CheckAutoApprove: %v", err)
	}
	if res2.Approved {
		t.Fatalf("expected public IP to be rejected, got %+v", res2)
	}
}
