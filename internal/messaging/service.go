// Package messaging defines the channel adapter abstraction.
//
// Each adapter normalizes one external conversational channel (desktop
// client, WhatsApp, Twilio WhatsApp) into inbound messages and outward
// sends. Adapters never interpret message content; routing and policy live
// above them.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

// Constants for channel adapter configuration.
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound message channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when operations are attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// ErrUnsupportedOperation is returned when a channel transport cannot
// perform an edit or delete.
var ErrUnsupportedOperation = errors.New("operation not supported by this channel")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable channel adapter.
type Service interface {
	// Channel identifies which channel this adapter serves.
	Channel() models.Channel

	// OwnerPresent reports whether this channel is operated by the owner
	// directly. Runs from owner-present channels execute unrestricted;
	// everything else is downgraded to restricted.
	OwnerPresent() bool

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each adapter implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient on this channel and
	// returns the adapter-assigned message id.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// EditMessage replaces the body of a previously sent message.
	// Channels that cannot edit return ErrUnsupportedOperation.
	EditMessage(ctx context.Context, to string, messageID string, body string) error

	// DeleteMessage removes a previously sent message.
	// Channels that cannot delete return ErrUnsupportedOperation.
	DeleteMessage(ctx context.Context, to string, messageID string) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Messages returns the channel of normalized inbound messages.
	Messages() <-chan models.InboundMessage
}

// canonicalizePhone strips non-digits and validates minimum length.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short (minimum 6 digits required)")
	}
	return canonical, nil
}
