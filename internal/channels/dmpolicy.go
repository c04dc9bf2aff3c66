package channels

import (
	"context"
	"fmt"
	"regexp"

	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/store"
)

var pairingCodeRegex = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// enforceDMPolicy implements the open/allowlist/pairing/disabled DM
// policy state machine, shared by every adapter whose chats are always
// direct messages (or that needs to gate its group-chat-equivalent DM
// path the same way). isAllowlisted
// reports whether the user is already trusted via a static allowlist or
// a prior pairing; reply sends an instructional or refusal message back
// to the same chat.
func enforceDMPolicy(ctx context.Context, pairingStore *store.Store, channel, userID, username, text string, policy config.DMPolicy, isAllowlisted func(ctx context.Context, userID string) bool, reply func(text string)) (allowed bool, handled bool) {
	switch policy {
	case config.DMPolicyOpen:
		return true, false
	case config.DMPolicyDisabled:
		reply("Direct messages are disabled for this bot.")
		return false, true
	case config.DMPolicyAllowlist:
		return isAllowlisted(ctx, userID), false
	case config.DMPolicyPairing:
		if isAllowlisted(ctx, userID) {
			return true, false
		}
		if pairingCodeRegex.MatchString(text) {
			if pairingStore == nil {
				return false, true
			}
			user, err := pairingStore.ValidateCode(ctx, text)
			if err != nil || user == nil {
				reply("That code is invalid or expired.")
				return false, true
			}
			reply("You're paired. Send any message to get started.")
			return false, true
		}
		if pairingStore == nil {
			return false, true
		}
		req, err := pairingStore.CreatePairingRequest(ctx, channel, userID, username, 3)
		if err != nil {
			if err == store.ErrChannelPendingLimit {
				reply("Too many pending pairing requests right now; try again shortly.")
			} else {
				reply("You're already paired.")
			}
			return false, true
		}
		reply(fmt.Sprintf("Enter this code to pair: %s (valid 1 hour)", req.Code))
		return false, true
	default:
		reply("Direct messages are disabled for this bot.")
		return false, true
	}
}

// isPairedOrAllowlisted reports whether userID is trusted via the given
// static allowlist or has an existing PairedUser row for channel.
func isPairedOrAllowlisted(ctx context.Context, pairingStore *store.Store, channel, userID string, allowlisted bool) bool {
	if allowlisted {
		return true
	}
	if pairingStore == nil {
		return false
	}
	level, err := pairingStore.TrustLevelFor(ctx, channel, userID)
	return err == nil && level != store.TrustStranger
}
