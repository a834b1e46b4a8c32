package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using the Twilio API.
type TwilioService struct {
	client  twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	inbound chan models.InboundMessage
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService with the given client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
}

func (s *TwilioService) Channel() models.Channel { return models.ChannelTwilio }

// OwnerPresent is false for Twilio: webhooks can carry any sender.
func (s *TwilioService) OwnerPresent() bool { return false }

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number. It removes all non-numeric characters and validates the
// result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if recipient != canonical {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio (inbound arrives via webhook).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.inbound)
	}()

	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return "", ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage validation error", "error", err, "to", to)
		return "", err
	}

	return s.client.SendMessage(ctx, canonicalTo, body)
}

// EditMessage is unsupported: Twilio cannot edit delivered messages.
func (s *TwilioService) EditMessage(ctx context.Context, to string, messageID string, body string) error {
	return ErrUnsupportedOperation
}

// DeleteMessage deletes a message record by SID.
func (s *TwilioService) DeleteMessage(ctx context.Context, to string, messageID string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	return s.client.DeleteMessage(ctx, messageID)
}

// Messages returns the channel of normalized inbound messages.
func (s *TwilioService) Messages() <-chan models.InboundMessage {
	return s.inbound
}

// WebhookHandler handles inbound Twilio webhook requests. It parses
// incoming messages and emits them as normalized inbound messages.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	// Twilio prefixes WhatsApp senders with "whatsapp:".
	sender := strings.TrimPrefix(from, "whatsapp:")
	canonical, err := canonicalizePhone(sender)
	if err != nil {
		slog.Warn("Twilio webhook sender rejected", "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		Channel:          models.ChannelTwilio,
		ConversationKind: models.ConversationDirect,
		ConversationID:   canonical,
		SenderID:         canonical,
		Body:             body,
		Timestamp:        time.Now(),
	}
	if err := msg.Validate(); err != nil {
		slog.Warn("Twilio webhook message rejected", "error", err)
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}

	s.safeEmit(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmit pushes an inbound message without blocking forever.
func (s *TwilioService) safeEmit(msg models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.SenderID)
		return
	}

	select {
	case s.inbound <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.SenderID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService inbound channel blocked, dropping message", "from", msg.SenderID)
	}
}
