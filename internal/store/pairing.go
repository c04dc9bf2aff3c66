package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TrustLevel classifies how much a channel user is allowed to do.
type TrustLevel string

const (
	TrustOwner    TrustLevel = "owner"
	TrustPaired   TrustLevel = "paired"
	TrustStranger TrustLevel = "stranger"
)

// PairedBy records how a PairedUser came to be trusted.
type PairedBy string

const (
	PairedByCode      PairedBy = "code"
	PairedByAllowlist PairedBy = "allowlist"
	PairedByAuto      PairedBy = "auto"
	PairedByOwner     PairedBy = "owner"
)

// PairingRequest is a short-lived, human-entered pairing code.
type PairingRequest struct {
	Code      string
	Channel   string
	UserID    string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PairedUser is a channel user with a persistent trust level.
type PairedUser struct {
	Channel  string
	UserID   string
	Username string
	PairedAt time.Time
	PairedBy PairedBy
	IsOwner  bool
}

// WalletPairingCode binds a to-be-issued code to a wallet address, consumed
// at most once to create a WalletLink.
type WalletPairingCode struct {
	Code          string
	WalletAddress string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// WalletLink binds a (channel, chatUserID) pair to a wallet address.
type WalletLink struct {
	Channel       string
	ChatUserID    string
	WalletAddress string
	LinkedAt      time.Time
	LinkedBy      string
}

const (
	pairingCodeTTL = time.Hour
	walletCodeTTL  = time.Hour
	maxCodeRetries = 10
)

// ErrAlreadyPaired is returned by CreatePairingRequest when the caller is
// already a PairedUser.
var ErrAlreadyPaired = errors.New("store: user already paired")

// ErrChannelPendingLimit is returned by CreatePairingRequest when the
// channel has reached MAX_PENDING_PER_CHANNEL live requests.
var ErrChannelPendingLimit = errors.New("store: channel pending pairing limit reached")

// CreatePairingRequest mints (or re-issues) an 8-character pairing code for
// (channel, userID). It fails if the user is already paired or the
// channel's live-request cap has been reached.
func (s *Store) CreatePairingRequest(ctx context.Context, channel, userID, username string, maxPending int) (*PairingRequest, error) {
	now := time.Now().UTC()

	var req *PairingRequest
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := s.getPairedUserTx(ctx, tx, channel, userID); err == nil {
			return ErrAlreadyPaired
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if existing, err := s.getExistingRequestTx(ctx, tx, channel, userID, now); err != nil {
			return err
		} else if existing != nil {
			req = existing
			return tx.Commit()
		}

		var pending int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pairing_requests WHERE channel = ? AND expires_at > ?`, channel, now).Scan(&pending); err != nil {
			return err
		}
		if pending >= maxPending {
			return ErrChannelPendingLimit
		}

		code, err := s.mintUniqueCodeTx(ctx, tx, now)
		if err != nil {
			return err
		}

		expiresAt := now.Add(pairingCodeTTL)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pairing_requests (code, channel, user_id, username, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, code, channel, userID, username, now, expiresAt); err != nil {
			return err
		}

		req = &PairingRequest{Code: code, Channel: channel, UserID: userID, Username: username, CreatedAt: now, ExpiresAt: expiresAt}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Store) getExistingRequestTx(ctx context.Context, tx *sql.Tx, channel, userID string, now time.Time) (*PairingRequest, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT code, channel, user_id, username, created_at, expires_at
		FROM pairing_requests WHERE channel = ? AND user_id = ?
	`, channel, userID)
	var r PairingRequest
	var username sql.NullString
	if err := row.Scan(&r.Code, &r.Channel, &r.UserID, &username, &r.CreatedAt, &r.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Username = username.String
	if r.ExpiresAt.Before(now) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = ?`, r.Code); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &r, nil
}

// mintUniqueCodeTx generates a code that collides with neither a live
// pairing_requests row nor a live wallet_pairing_codes row.
func (s *Store) mintUniqueCodeTx(ctx context.Context, tx *sql.Tx, now time.Time) (string, error) {
	for attempt := 0; attempt < maxCodeRetries; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM pairing_requests WHERE code = ? AND expires_at > ?) +
				(SELECT COUNT(*) FROM wallet_pairing_codes WHERE code = ? AND expires_at > ?)
		`, code, now, code, now).Scan(&count); err != nil {
			return "", err
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("store: exhausted %d attempts generating a unique pairing code", maxCodeRetries)
}

// ValidateCode looks up a pairing code (case-insensitive, trimmed),
// consuming it atomically and upserting a PairedUser on success.
func (s *Store) ValidateCode(ctx context.Context, code string) (*PairedUser, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	now := time.Now().UTC()

	var user *PairedUser
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT code, channel, user_id, username, created_at, expires_at
			FROM pairing_requests WHERE code = ?
		`, code)
		var r PairingRequest
		var username sql.NullString
		if err := row.Scan(&r.Code, &r.Channel, &r.UserID, &username, &r.CreatedAt, &r.ExpiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				user = nil
				return tx.Commit()
			}
			return err
		}
		r.Username = username.String

		if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = ?`, code); err != nil {
			return err
		}
		if r.ExpiresAt.Before(now) {
			user = nil
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO paired_users (channel, user_id, username, paired_at, paired_by, is_owner)
			VALUES (?, ?, ?, ?, ?, 0)
			ON CONFLICT(channel, user_id) DO UPDATE SET
				username = excluded.username,
				paired_at = excluded.paired_at,
				paired_by = excluded.paired_by
		`, r.Channel, r.UserID, r.Username, now, string(PairedByCode)); err != nil {
			return err
		}

		user = &PairedUser{Channel: r.Channel, UserID: r.UserID, Username: r.Username, PairedAt: now, PairedBy: PairedByCode}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ErrRequestNotFound is returned by ApproveRequest/RejectRequest when no
// live pairing request matches (channel, code).
var ErrRequestNotFound = errors.New("store: pairing request not found")

// ApproveRequest consumes a pending pairing request out-of-band (e.g. an
// operator approving via the HTTP surface rather than the user entering
// the code themselves), requiring the code to belong to channel. It is
// consume-once: the row is deleted atomically with the PairedUser upsert.
func (s *Store) ApproveRequest(ctx context.Context, channel, code string) (*PairedUser, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	now := time.Now().UTC()

	var user *PairedUser
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT code, channel, user_id, username, created_at, expires_at
			FROM pairing_requests WHERE code = ? AND channel = ?
		`, code, channel)
		var r PairingRequest
		var username sql.NullString
		if err := row.Scan(&r.Code, &r.Channel, &r.UserID, &username, &r.CreatedAt, &r.ExpiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRequestNotFound
			}
			return err
		}
		r.Username = username.String

		if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = ?`, code); err != nil {
			return err
		}
		if r.ExpiresAt.Before(now) {
			return ErrRequestNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO paired_users (channel, user_id, username, paired_at, paired_by, is_owner)
			VALUES (?, ?, ?, ?, ?, 0)
			ON CONFLICT(channel, user_id) DO UPDATE SET
				username = excluded.username,
				paired_at = excluded.paired_at,
				paired_by = excluded.paired_by
		`, r.Channel, r.UserID, r.Username, now, string(PairedByCode)); err != nil {
			return err
		}

		user = &PairedUser{Channel: r.Channel, UserID: r.UserID, Username: r.Username, PairedAt: now, PairedBy: PairedByCode}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// RejectRequest consumes a pending pairing request without granting
// trust, requiring the code to belong to channel.
func (s *Store) RejectRequest(ctx context.Context, channel, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = ? AND channel = ?`, code, channel)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrRequestNotFound
		}
		return nil
	})
}

// UpsertPairedUser directly grants trust (allowlist/auto/owner paths do not
// go through a code).
func (s *Store) UpsertPairedUser(ctx context.Context, channel, userID, username string, by PairedBy, isOwner bool) (*PairedUser, error) {
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO paired_users (channel, user_id, username, paired_at, paired_by, is_owner)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel, user_id) DO UPDATE SET
				username = excluded.username,
				paired_by = excluded.paired_by,
				is_owner = excluded.is_owner
		`, channel, userID, username, now, string(by), boolToInt(isOwner))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &PairedUser{Channel: channel, UserID: userID, Username: username, PairedAt: now, PairedBy: by, IsOwner: isOwner}, nil
}

// GetPairedUser returns the PairedUser row for (channel, userID), or
// sql.ErrNoRows if the user is a stranger.
func (s *Store) GetPairedUser(ctx context.Context, channel, userID string) (*PairedUser, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	return s.getPairedUserTx(ctx, tx, channel, userID)
}

func (s *Store) getPairedUserTx(ctx context.Context, tx *sql.Tx, channel, userID string) (*PairedUser, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT channel, user_id, username, paired_at, paired_by, is_owner
		FROM paired_users WHERE channel = ? AND user_id = ?
	`, channel, userID)
	var u PairedUser
	var username sql.NullString
	var isOwner int
	if err := row.Scan(&u.Channel, &u.UserID, &username, &u.PairedAt, &u.PairedBy, &isOwner); err != nil {
		return nil, err
	}
	u.Username = username.String
	u.IsOwner = isOwner != 0
	return &u, nil
}

// TrustLevelFor returns the caller's trust level: owner implies paired.
func (s *Store) TrustLevelFor(ctx context.Context, channel, userID string) (TrustLevel, error) {
	u, err := s.GetPairedUser(ctx, channel, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return TrustStranger, nil
	}
	if err != nil {
		return "", err
	}
	if u.IsOwner {
		return TrustOwner, nil
	}
	return TrustPaired, nil
}

// CreateWalletPairingCode issues a 1-hour code bound to walletAddress.
func (s *Store) CreateWalletPairingCode(ctx context.Context, walletAddress string) (*WalletPairingCode, error) {
	now := time.Now().UTC()
	var wc *WalletPairingCode
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		code, err := s.mintUniqueCodeTx(ctx, tx, now)
		if err != nil {
			return err
		}
		expiresAt := now.Add(walletCodeTTL)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_pairing_codes (code, wallet_address, created_at, expires_at)
			VALUES (?, ?, ?, ?)
		`, code, walletAddress, now, expiresAt); err != nil {
			return err
		}
		wc = &WalletPairingCode{Code: code, WalletAddress: walletAddress, CreatedAt: now, ExpiresAt: expiresAt}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return wc, nil
}

// ValidateWalletPairingCode consumes a wallet pairing code and upserts a
// WalletLink keyed by (channel, chatUserID).
func (s *Store) ValidateWalletPairingCode(ctx context.Context, channel, chatUserID, code string) (*WalletLink, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	now := time.Now().UTC()

	var link *WalletLink
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT code, wallet_address, created_at, expires_at
			FROM wallet_pairing_codes WHERE code = ?
		`, code)
		var wc WalletPairingCode
		if err := row.Scan(&wc.Code, &wc.WalletAddress, &wc.CreatedAt, &wc.ExpiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				link = nil
				return tx.Commit()
			}
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM wallet_pairing_codes WHERE code = ?`, code); err != nil {
			return err
		}
		if wc.ExpiresAt.Before(now) {
			link = nil
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_links (channel, chat_user_id, wallet_address, linked_at, linked_by)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(channel, chat_user_id) DO UPDATE SET
				wallet_address = excluded.wallet_address,
				linked_at = excluded.linked_at,
				linked_by = excluded.linked_by
		`, channel, chatUserID, wc.WalletAddress, now, "code"); err != nil {
			return err
		}

		link = &WalletLink{Channel: channel, ChatUserID: chatUserID, WalletAddress: wc.WalletAddress, LinkedAt: now, LinkedBy: "code"}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// GetWalletForChatUser looks up the wallet bound to (channel, chatUserID).
func (s *Store) GetWalletForChatUser(ctx context.Context, channel, chatUserID string) (*WalletLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel, chat_user_id, wallet_address, linked_at, linked_by
		FROM wallet_links WHERE channel = ? AND chat_user_id = ?
	`, channel, chatUserID)
	var l WalletLink
	if err := row.Scan(&l.Channel, &l.ChatUserID, &l.WalletAddress, &l.LinkedAt, &l.LinkedBy); err != nil {
		return nil, err
	}
	return &l, nil
}

// GetChatUsersForWallet returns every (channel, chatUserID) bound to a
// wallet address.
func (s *Store) GetChatUsersForWallet(ctx context.Context, walletAddress string) ([]WalletLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, chat_user_id, wallet_address, linked_at, linked_by
		FROM wallet_links WHERE wallet_address = ?
	`, walletAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []WalletLink
	for rows.Next() {
		var l WalletLink
		if err := rows.Scan(&l.Channel, &l.ChatUserID, &l.WalletAddress, &l.LinkedAt, &l.LinkedBy); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// UnlinkChatUser removes the wallet link for (channel, chatUserID).
func (s *Store) UnlinkChatUser(ctx context.Context, channel, chatUserID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM wallet_links WHERE channel = ? AND chat_user_id = ?`, channel, chatUserID)
		return err
	})
}

// ReapExpired deletes any PairingRequest or WalletPairingCode whose
// expiresAt has passed, returning the number of rows removed from each
// table. Safe to call concurrently with reads, which independently check
// expiry on every lookup.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) (pairingReaped, walletReaped int64, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		res, execErr := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE expires_at < ?`, now)
		if execErr != nil {
			return execErr
		}
		pairingReaped, _ = res.RowsAffected()

		res, execErr = tx.ExecContext(ctx, `DELETE FROM wallet_pairing_codes WHERE expires_at < ?`, now)
		if execErr != nil {
			return execErr
		}
		walletReaped, _ = res.RowsAffected()

		return tx.Commit()
	})
	return pairingReaped, walletReaped, err
}

// RecordAuditEvent appends a row to the additive audit_events table.
func (s *Store) RecordAuditEvent(ctx context.Context, kind, channel, actor, detail string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_events (kind, channel, actor, detail) VALUES (?, ?, ?, ?)
		`, kind, channel, actor, detail)
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
