// Package pairing implements the business-rule layer of the pairing
// service: code issuance, approval/rejection,
// trust levels, wallet binding, and auto-approval via network topology.
// Storage and consume-once atomicity live in internal/store; this
// package adds the policy that decides when a request should be granted
// without a code at all, and records an audit trail of every decision.
package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/lattice-run/convoy/internal/bus"
	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/store"
)

// AutoApproveReason names which network-topology rule approved a request.
type AutoApproveReason string

const (
	ReasonLocal     AutoApproveReason = "local"
	ReasonTailscale AutoApproveReason = "tailscale"
)

// AutoApproveResult is the outcome of CheckAutoApprove.
type AutoApproveResult struct {
	Approved bool
	Reason   AutoApproveReason
	PeerInfo string
}

// tailscaleCGNAT is the IPv4 CGNAT range (100.64.0.0/10) Tailscale
// assigns its overlay addresses from.
var tailscaleCGNAT = netip.MustParsePrefix("100.64.0.0/10")

// Service wraps the persistent store with the pairing policy described
// It is constructed once by the gateway orchestrator and
// shared by every channel adapter and the wallet-scoped HTTP surface.
type Service struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
	cfg    config.PairingConfig
}

// New constructs a pairing Service.
func New(st *store.Store, b *bus.Bus, logger *slog.Logger, cfg config.PairingConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, bus: b, logger: logger, cfg: cfg}
}

// CreatePairingRequest mints or re-issues a pairing code for a chat user
// and publishes a pairing.requested event.
func (s *Service) CreatePairingRequest(ctx context.Context, channel, userID, username string) (*store.PairingRequest, error) {
	maxPending := s.cfg.MaxPendingPerChannel
	if maxPending <= 0 {
		maxPending = 3
	}
	req, err := s.store.CreatePairingRequest(ctx, channel, userID, username, maxPending)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicPairingRequested, bus.PairingRequestedEvent{
			Channel: channel, ChatID: userID, Code: req.Code,
		})
	}
	return req, nil
}

// ValidateCode is the self-service pairing path: the user types the code
// themselves; each code is consumed at most once.
func (s *Service) ValidateCode(ctx context.Context, code string) (*store.PairedUser, error) {
	user, err := s.store.ValidateCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if user != nil {
		s.recordApproval(ctx, user.Channel, user.UserID, "code")
	}
	return user, nil
}

// ApproveRequest consumes a pending request out-of-band, e.g. from the
// wallet-scoped HTTP surface or an operator console, requiring the code
// to belong to channel.
func (s *Service) ApproveRequest(ctx context.Context, channel, code string) (*store.PairedUser, error) {
	user, err := s.store.ApproveRequest(ctx, channel, code)
	if err != nil {
		return nil, err
	}
	s.recordApproval(ctx, user.Channel, user.UserID, "operator")
	return user, nil
}

// RejectRequest consumes a pending request without granting trust.
func (s *Service) RejectRequest(ctx context.Context, channel, code string) error {
	if err := s.store.RejectRequest(ctx, channel, code); err != nil {
		return err
	}
	if err := s.store.RecordAuditEvent(ctx, "pairing.rejected", channel, "operator", code); err != nil {
		s.logger.Warn("pairing: failed to record audit event", "error", err)
	}
	return nil
}

func (s *Service) recordApproval(ctx context.Context, channel, userID, actor string) {
	if s.bus != nil {
		s.bus.Publish(bus.TopicPairingApproved, bus.PairingApprovedEvent{Channel: channel, UserID: userID})
	}
	if err := s.store.RecordAuditEvent(ctx, "pairing.approved", channel, actor, userID); err != nil {
		s.logger.Warn("pairing: failed to record audit event", "error", err)
	}
}

// TrustLevelFor returns the caller's trust level.
func (s *Service) TrustLevelFor(ctx context.Context, channel, userID string) (store.TrustLevel, error) {
	return s.store.TrustLevelFor(ctx, channel, userID)
}

// CheckAutoApprove implements the network-topology auto-approval rules:
// a remote address that is loopback or a private interface address is
// auto-paired (and optionally promoted to owner) when
// AutoApproveLocalAdmin is set; a remote address inside the
// Tailscale CGNAT range, or an explicitly configured Tailscale peer, is
// auto-paired when AutoApproveTailscale is set.
func (s *Service) CheckAutoApprove(ctx context.Context, channel, userID, remoteAddr string) (AutoApproveResult, error) {
	ip := parseRemoteIP(remoteAddr)
	if !ip.IsValid() {
		return AutoApproveResult{}, nil
	}

	if s.cfg.AutoApproveLocalAdmin && isLocalAddr(ip) {
		if _, err := s.store.UpsertPairedUser(ctx, channel, userID, "", store.PairedByAuto, s.cfg.AutoApproveOwner); err != nil {
			return AutoApproveResult{}, fmt.Errorf("pairing: auto-approve local: %w", err)
		}
		s.recordApproval(ctx, channel, userID, "auto:local")
		return AutoApproveResult{Approved: true, Reason: ReasonLocal, PeerInfo: ip.String()}, nil
	}

	if s.cfg.AutoApproveTailscale && s.isTailscalePeer(ip) {
		if _, err := s.store.UpsertPairedUser(ctx, channel, userID, "", store.PairedByAuto, s.cfg.AutoApproveOwner); err != nil {
			return AutoApproveResult{}, fmt.Errorf("pairing: auto-approve tailscale: %w", err)
		}
		s.recordApproval(ctx, channel, userID, "auto:tailscale")
		return AutoApproveResult{Approved: true, Reason: ReasonTailscale, PeerInfo: ip.String()}, nil
	}

	return AutoApproveResult{}, nil
}

func parseRemoteIP(remoteAddr string) netip.Addr {
	if remoteAddr == "" {
		return netip.Addr{}
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

func isLocalAddr(ip netip.Addr) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// isTailscalePeer matches the CGNAT range Tailscale assigns from, or an
// explicit allowlist of known overlay peer addresses from config.
func (s *Service) isTailscalePeer(ip netip.Addr) bool {
	if ip.Is4() && tailscaleCGNAT.Contains(ip) {
		return true
	}
	for _, peer := range s.cfg.TailscalePeers {
		if peerAddr, err := netip.ParseAddr(peer); err == nil && peerAddr == ip {
			return true
		}
	}
	return false
}

// Wallet binding passthroughs.

func (s *Service) CreateWalletPairingCode(ctx context.Context, wallet string) (*store.WalletPairingCode, error) {
	return s.store.CreateWalletPairingCode(ctx, wallet)
}

func (s *Service) ValidateWalletPairingCode(ctx context.Context, channel, chatUserID, code string) (*store.WalletLink, error) {
	link, err := s.store.ValidateWalletPairingCode(ctx, channel, chatUserID, code)
	if err != nil {
		return nil, err
	}
	if link != nil && s.bus != nil {
		s.bus.Publish(bus.TopicWalletLinked, bus.PairingApprovedEvent{Channel: channel, UserID: chatUserID})
	}
	return link, nil
}

func (s *Service) GetWalletForChatUser(ctx context.Context, channel, chatUserID string) (*store.WalletLink, error) {
	return s.store.GetWalletForChatUser(ctx, channel, chatUserID)
}

func (s *Service) GetChatUsersForWallet(ctx context.Context, wallet string) ([]store.WalletLink, error) {
	return s.store.GetChatUsersForWallet(ctx, wallet)
}

func (s *Service) UnlinkChatUser(ctx context.Context, channel, chatUserID string) error {
	return s.store.UnlinkChatUser(ctx, channel, chatUserID)
}
