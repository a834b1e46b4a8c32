package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// GroupJIDSuffix identifies WhatsApp group conversations.
const GroupJIDSuffix = "g.us"

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling
	inbound  chan models.InboundMessage
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

func (s *WhatsAppService) Channel() models.Channel { return models.ChannelWhatsApp }

// OwnerPresent is false for WhatsApp: the linked device relays arbitrary
// senders, so runs started here stay restricted.
func (s *WhatsAppService) OwnerPresent() bool { return false }

// ValidateAndCanonicalizeRecipient reduces a phone-number recipient to its
// digits. Recipients that already carry a JID server (group conversations
// such as "1234-5678@g.us") pass through unchanged.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if strings.ContainsRune(recipient, '@') {
		return recipient, nil
	}
	return canonicalizePhone(recipient)
}

// Start begins background processing (e.g., event polling).
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService.Start invoked")

	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}

	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService.Stop invoked")
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	close(s.inbound)
	return nil
}

// SendMessage sends a message over WhatsApp.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	slog.Debug("WhatsAppService.SendMessage invoked", "to", to, "body_length", len(body))
	id, err := s.client.SendMessage(ctx, to, body)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage error", "error", err, "to", to)
		return "", err
	}
	return id, nil
}

// EditMessage edits a previously sent WhatsApp message.
func (s *WhatsAppService) EditMessage(ctx context.Context, to string, messageID string, body string) error {
	return s.client.EditMessage(ctx, to, messageID, body)
}

// DeleteMessage revokes a previously sent WhatsApp message.
func (s *WhatsAppService) DeleteMessage(ctx context.Context, to string, messageID string) error {
	return s.client.DeleteMessage(ctx, to, messageID)
}

// Messages returns the channel of normalized inbound messages.
func (s *WhatsAppService) Messages() <-chan models.InboundMessage {
	return s.inbound
}

// handleEvents registers the whatsmeow event handler and feeds text messages
// into the inbound channel.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService.handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})

	slog.Debug("WhatsAppService event handler registered")

	// Keep handler running until context is cancelled or service stops
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	slog.Debug("WhatsAppService.handleEvents stopping")
}

// handleIncomingMessage normalizes one incoming text message.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe {
		// Own outbound messages echo back through the linked device.
		return
	}

	// Extract text content
	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	// Group conversations keep the full JID as their conversation id so
	// replies are addressed back to the group server, not a user JID.
	kind := models.ConversationDirect
	conversationID := evt.Info.Chat.User
	if strings.HasSuffix(evt.Info.Chat.String(), GroupJIDSuffix) {
		kind = models.ConversationGroup
		conversationID = evt.Info.Chat.String()
	}

	msg := models.InboundMessage{
		Channel:          models.ChannelWhatsApp,
		ConversationKind: kind,
		ConversationID:   conversationID,
		SenderID:         evt.Info.Sender.User,
		Body:             messageText,
		Timestamp:        evt.Info.Timestamp,
	}
	if err := msg.Validate(); err != nil {
		slog.Debug("WhatsAppService dropping invalid message", "error", err, "from", msg.SenderID)
		return
	}

	// Send to inbound channel (non-blocking)
	select {
	case s.inbound <- msg:
		slog.Info("WhatsAppService incoming message forwarded", "from", msg.SenderID, "kind", kind)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "from", msg.SenderID, "timeout", DefaultChannelTimeout)
	}
}
