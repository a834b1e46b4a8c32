package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/util"
)

// DefaultDesktopConversationID is the conversation used when the desktop
// client does not name one.
const DefaultDesktopConversationID = "owner"

// DesktopService implements Service for the local desktop control client.
// Inbound messages arrive through the HTTP API and are injected here;
// outbound messages are queued for the client to drain.
type DesktopService struct {
	inbound  chan models.InboundMessage
	mu       sync.Mutex
	outbound []models.OutboundMessage
	stopped  bool
}

// NewDesktopService creates the desktop channel adapter.
func NewDesktopService() *DesktopService {
	return &DesktopService{
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (s *DesktopService) Channel() models.Channel { return models.ChannelDesktop }

// OwnerPresent is always true for the desktop client; it is the owner's
// own console.
func (s *DesktopService) OwnerPresent() bool { return true }

// ValidateAndCanonicalizeRecipient trims the recipient and defaults to the
// owner conversation.
func (s *DesktopService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical := strings.TrimSpace(recipient)
	if canonical == "" {
		canonical = DefaultDesktopConversationID
	}
	return canonical, nil
}

// SendMessage queues an outbound message for the desktop client and
// returns its generated id.
func (s *DesktopService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrServiceStopped
	}
	id := util.GenerateRandomID("msg_", 16)
	s.outbound = append(s.outbound, models.OutboundMessage{
		ID:        id,
		Channel:   models.ChannelDesktop,
		To:        to,
		Body:      body,
		Timestamp: time.Now(),
	})
	slog.Debug("DesktopService.SendMessage: message queued", "to", to, "message_id", id, "body_length", len(body))
	return id, nil
}

// EditMessage rewrites a queued message that the client has not drained yet.
func (s *DesktopService) EditMessage(ctx context.Context, to string, messageID string, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	for i := range s.outbound {
		if s.outbound[i].ID == messageID {
			s.outbound[i].Body = body
			return nil
		}
	}
	return fmt.Errorf("message %s not found in outbound queue", messageID)
}

// DeleteMessage removes a queued message that the client has not drained yet.
func (s *DesktopService) DeleteMessage(ctx context.Context, to string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	for i := range s.outbound {
		if s.outbound[i].ID == messageID {
			s.outbound = append(s.outbound[:i], s.outbound[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("message %s not found in outbound queue", messageID)
}

// DrainOutbound returns and clears the queued outbound messages. The
// desktop client polls this through the API.
func (s *DesktopService) DrainOutbound() []models.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbound
	s.outbound = nil
	return out
}

// Inject normalizes and enqueues one inbound desktop message. Called by
// the HTTP API.
func (s *DesktopService) Inject(msg models.InboundMessage) error {
	msg.Channel = models.ChannelDesktop
	if msg.ConversationKind == "" {
		msg.ConversationKind = models.ConversationDirect
	}
	if msg.ConversationID == "" {
		msg.ConversationID = DefaultDesktopConversationID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid desktop message: %w", err)
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrServiceStopped
	}

	select {
	case s.inbound <- msg:
		return nil
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("DesktopService.Inject: inbound channel blocked, dropping message", "conversationID", msg.ConversationID)
		return fmt.Errorf("inbound queue full")
	}
}

func (s *DesktopService) Start(ctx context.Context) error { return nil }

func (s *DesktopService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	return nil
}

func (s *DesktopService) Messages() <-chan models.InboundMessage {
	return s.inbound
}
