package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/lattice-run/convoy/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "convoy.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_ConfiguresSchema(t *testing.T) {
	s := openTestStore(t)

	var journalMode string
	if err := s.DB().QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected WAL journal mode, got %q", journalMode)
	}

	for _, table := range []string{"pairing_requests", "paired_users", "wallet_pairing_codes", "wallet_links", "audit_events"} {
		var name string
		err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}
}

func TestCreatePairingRequest_RepeatReturnsExistingCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r1, err := s.CreatePairingRequest(ctx, "telegram", "user-1", "alice", 3)
	if err != nil {
		t.Fatalf("CreatePairingRequest: %v", err)
	}
	if len(r1.Code) != 8 {
		t.Fatalf("expected 8-char code, got %q", r1.Code)
	}

	r2, err := s.CreatePairingRequest(ctx, "telegram", "user-1", "alice", 3)
	if err != nil {
		t.Fatalf("CreatePairingRequest (repeat): %v", err)
	}
	if r2.Code != r1.Code {
		t.Fatalf("expected repeat request to reuse code %q, got %q", r1.Code, r2.Code)
	}
}

func TestCreatePairingRequest_ChannelCapEnforced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		userID := string(rune('a' + i))
		if _, err := s.CreatePairingRequest(ctx, "telegram", userID, "", 3); err != nil {
			t.Fatalf("CreatePairingRequest %d: %v", i, err)
		}
	}

	_, err := s.CreatePairingRequest(ctx, "telegram", "user-overflow", "", 3)
	if err != store.ErrChannelPendingLimit {
		t.Fatalf("expected ErrChannelPendingLimit, got %v", err)
	}
}

func TestCreatePairingRequest_AlreadyPaired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertPairedUser(ctx, "telegram", "user-1", "alice", store.PairedByOwner, true); err != nil {
		t.Fatalf("UpsertPairedUser: %v", err)
	}

	_, err := s.CreatePairingRequest(ctx, "telegram", "user-1", "alice", 3)
	if err != store.ErrAlreadyPaired {
		t.Fatalf("expected ErrAlreadyPaired, got %v", err)
	}
}

func TestValidateCode_ConsumesOnceAndPairs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req, err := s.CreatePairingRequest(ctx, "telegram", "user-1", "alice", 3)
	if err != nil {
		t.Fatalf("CreatePairingRequest: %v", err)
	}

	user, err := s.ValidateCode(ctx, req.Code)
	if err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if user == nil {
		t.Fatal("expected a paired user")
	}
	if user.Channel != "telegram" || user.UserID != "user-1" {
		t.Fatalf("unexpected paired user: %+v", user)
	}

	// Second validation of the same code must fail (consume-once).
	again, err := s.ValidateCode(ctx, req.Code)
	if err != nil {
		t.Fatalf("ValidateCode (second): %v", err)
	}
	if again != nil {
		t.Fatalf("expected nil on second validation, got %+v", again)
	}

	level, err := s.TrustLevelFor(ctx, "telegram", "user-1")
	if err != nil {
		t.Fatalf("TrustLevelFor: %v", err)
	}
	if level != store.TrustPaired {
		t.Fatalf("expected TrustPaired, got %q", level)
	}
}

func TestValidateCode_CaseAndWhitespaceInsensitive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req, err := s.CreatePairingRequest(ctx, "telegram", "user-1", "", 3)
	if err != nil {
		t.Fatalf("CreatePairingRequest: %v", err)
	}

	lower := "  " + toLower(req.Code) + "  "
	user, err := s.ValidateCode(ctx, lower)
	if err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if user == nil {
		t.Fatal("expected match despite case/whitespace differences")
	}
}

func TestValidateCode_ExpiredCodeRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req, err := s.CreatePairingRequest(ctx, "telegram", "user-1", "", 3)
	if err != nil {
		t.Fatalf("CreatePairingRequest: %v", err)
	}

	// Force the row into the past.
	if _, err := s.DB().ExecContext(ctx, `UPDATE pairing_requests SET expires_at = ? WHERE code = ?`,
		time.Now().Add(-time.Hour), req.Code); err != nil {
		t.Fatalf("force expiry: %v", err)
	}

	user, err := s.ValidateCode(ctx, req.Code)
	if err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if user != nil {
		t.Fatalf("expected nil for expired code, got %+v", user)
	}
}

func TestWalletPairing_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	wc, err := s.CreateWalletPairingCode(ctx, "0xABCDEF")
	if err != nil {
		t.Fatalf("CreateWalletPairingCode: %v", err)
	}

	link, err := s.ValidateWalletPairingCode(ctx, "telegram", "user-1", wc.Code)
	if err != nil {
		t.Fatalf("ValidateWalletPairingCode: %v", err)
	}
	if link == nil || link.WalletAddress != "0xABCDEF" {
		t.Fatalf("unexpected link: %+v", link)
	}

	got, err := s.GetWalletForChatUser(ctx, "telegram", "user-1")
	if err != nil {
		t.Fatalf("GetWalletForChatUser: %v", err)
	}
	if got.WalletAddress != "0xABCDEF" {
		t.Fatalf("expected wallet 0xABCDEF, got %q", got.WalletAddress)
	}

	links, err := s.GetChatUsersForWallet(ctx, "0xABCDEF")
	if err != nil {
		t.Fatalf("GetChatUsersForWallet: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(links))
	}

	if err := s.UnlinkChatUser(ctx, "telegram", "user-1"); err != nil {
		t.Fatalf("UnlinkChatUser: %v", err)
	}
	if _, err := s.GetWalletForChatUser(ctx, "telegram", "user-1"); err != sql.ErrNoRows {
		t.Fatalf("expected ErrNoRows after unlink, got %v", err)
	}
}

func TestReapExpired_RemovesStaleRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreatePairingRequest(ctx, "telegram", "user-1", "", 3); err != nil {
		t.Fatalf("CreatePairingRequest: %v", err)
	}
	if _, err := s.CreateWalletPairingCode(ctx, "0x1"); err != nil {
		t.Fatalf("CreateWalletPairingCode: %v", err)
	}

	future := time.Now().Add(2 * time.Hour)
	pairingReaped, walletReaped, err := s.ReapExpired(ctx, future)
	if err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	if pairingReaped != 1 || walletReaped != 1 {
		t.Fatalf("expected 1 pairing and 1 wallet row reaped, got %d/%d", pairingReaped, walletReaped)
	}

	pairingReaped, walletReaped, err = s.ReapExpired(ctx, future)
	if err != nil {
		t.Fatalf("ReapExpired (second pass): %v", err)
	}
	if pairingReaped != 0 || walletReaped != 0 {
		t.Fatalf("expected nothing left to reap, got %d/%d", pairingReaped, walletReaped)
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
