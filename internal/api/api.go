package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/backend"
	"github.com/BTreeMap/AgentPipe/internal/lockfile"
	"github.com/BTreeMap/AgentPipe/internal/messaging"
	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/router"
	"github.com/BTreeMap/AgentPipe/internal/session"
	"github.com/BTreeMap/AgentPipe/internal/store"
	"github.com/BTreeMap/AgentPipe/internal/trigger"
	"github.com/BTreeMap/AgentPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/AgentPipe/internal/whatsapp"
)

// Default server configuration.
const (
	// DefaultAddr is the default HTTP listen address.
	DefaultAddr = ":8080"
	// DefaultStateDir is the default directory for persistent state.
	DefaultStateDir = "/var/lib/agentpipe"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds API server configuration.
type Opts struct {
	Addr     string
	StateDir string

	// TwilioEnabled turns on the Twilio WhatsApp channel; credentials come
	// from the twiliowhatsapp options or environment.
	TwilioEnabled bool

	// Heartbeat settings. A zero interval disables the heartbeat.
	HeartbeatInterval    time.Duration
	HeartbeatActiveStart string
	HeartbeatActiveEnd   string
	HeartbeatTimezone    string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the state directory used for locking and defaults.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithTwilio enables the Twilio WhatsApp channel.
func WithTwilio() Option {
	return func(o *Opts) { o.TwilioEnabled = true }
}

// WithHeartbeatInterval enables the heartbeat at the given cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Opts) { o.HeartbeatInterval = d }
}

// WithHeartbeatActiveHours bounds heartbeat firing to a time-of-day window.
func WithHeartbeatActiveHours(start, end, timezone string) Option {
	return func(o *Opts) {
		o.HeartbeatActiveStart = start
		o.HeartbeatActiveEnd = end
		o.HeartbeatTimezone = timezone
	}
}

// Server is the HTTP control surface. It exposes session, job and channel
// administration over the components wired together by Run.
type Server struct {
	registry  *session.Registry
	appRouter *router.Router
	engine    *trigger.Engine
	heartbeat *trigger.Heartbeat
	desktop   *messaging.DesktopService
	twilio    *messaging.TwilioService
	st        store.Store
	startedAt time.Time
}

// NewServer assembles the control surface over already-wired components.
// heartbeat and twilio may be nil when those features are disabled.
func NewServer(registry *session.Registry, appRouter *router.Router, engine *trigger.Engine, desktop *messaging.DesktopService, st store.Store) *Server {
	return &Server{
		registry:  registry,
		appRouter: appRouter,
		engine:    engine,
		desktop:   desktop,
		st:        st,
		startedAt: time.Now(),
	}
}

// SetHeartbeat attaches the heartbeat trigger for status reporting.
func (s *Server) SetHeartbeat(h *trigger.Heartbeat) { s.heartbeat = h }

// SetTwilio attaches the Twilio channel service so its webhook is served.
func (s *Server) SetTwilio(t *messaging.TwilioService) { s.twilio = t }

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/sessions/log", s.sessionLogHandler)
	mux.HandleFunc("/jobs", s.jobsHandler)
	mux.HandleFunc("/jobs/", s.jobActionHandler)
	mux.HandleFunc("/inbound", s.inboundHandler)
	mux.HandleFunc("/outbound", s.outboundHandler)
	mux.HandleFunc("/twilio/inbound", s.twilioInboundHandler)
	return mux
}

// Run wires the whole system together and serves HTTP until a shutdown
// signal arrives: lock the state directory, open the store, restore
// sessions and jobs, connect the channels, start the trigger engine and
// heartbeat, then listen.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, backendOpts []backend.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:     DefaultAddr,
		StateDir: DefaultStateDir,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to acquire state directory lock: %w", err)
	}
	defer lock.Release()

	st, err := store.NewStore(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	registry := session.NewRegistry(st)
	if err := registry.Load(); err != nil {
		slog.Warn("Run: session restore failed, starting empty", "error", err)
	}
	defer registry.Close()

	be, err := backend.NewClient(backendOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize backend: %w", err)
	}

	appRouter := router.NewRouter(registry, be, st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	desktop := messaging.NewDesktopService()
	appRouter.RegisterService(desktop)
	go appRouter.Pump(ctx, desktop)

	var twilioSvc *messaging.TwilioService
	if cfg.TwilioEnabled {
		twClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			return fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		twilioSvc = messaging.NewTwilioService(twClient)
		if err := twilioSvc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start Twilio service: %w", err)
		}
		defer twilioSvc.Stop()
		appRouter.RegisterService(twilioSvc)
		go appRouter.Pump(ctx, twilioSvc)
	}

	if len(waOpts) > 0 {
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			// WhatsApp is optional; the desktop channel still works.
			slog.Warn("Run: WhatsApp client unavailable, channel disabled", "error", err)
		} else {
			waSvc := messaging.NewWhatsAppService(waClient)
			if err := waSvc.Start(ctx); err != nil {
				return fmt.Errorf("failed to start WhatsApp service: %w", err)
			}
			defer waSvc.Stop()
			appRouter.RegisterService(waSvc)
			go appRouter.Pump(ctx, waSvc)
		}
	}

	timer := trigger.NewSimpleTimer()
	defer timer.Stop()
	engine := trigger.NewEngine(timer, st, appRouter.DispatchJob)
	appRouter.SetEngine(engine)
	if err := engine.Start(); err != nil {
		return fmt.Errorf("failed to start trigger engine: %w", err)
	}
	defer engine.Stop()

	server := NewServer(registry, appRouter, engine, desktop, st)
	if twilioSvc != nil {
		server.SetTwilio(twilioSvc)
	}

	if cfg.HeartbeatInterval > 0 {
		hb, err := newHeartbeat(timer, appRouter, desktop, cfg)
		if err != nil {
			return fmt.Errorf("failed to configure heartbeat: %w", err)
		}
		hb.Start()
		defer hb.Stop()
		server.SetHeartbeat(hb)
	}

	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Handler()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Run: HTTP server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Run: shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: HTTP shutdown failed", "error", err)
	}
	return nil
}

// newHeartbeat builds the heartbeat trigger wired to the owner's desktop
// session for both the run and the delivery side. The run goes through
// DispatchSilent: the heartbeat's own suppression rules decide delivery,
// so the router must not forward the run's text on its own.
func newHeartbeat(timer models.Timer, appRouter *router.Router, desktop *messaging.DesktopService, cfg Opts) (*trigger.Heartbeat, error) {
	ownerKey := session.KeyOf(models.ChannelDesktop, models.ConversationDirect, messaging.DefaultDesktopConversationID)

	run := func(ctx context.Context, prompt string) (string, error) {
		return appRouter.DispatchSilent(ctx, models.ScheduledJob{
			ID:         "heartbeat",
			Name:       "heartbeat",
			Prompt:     prompt,
			SessionKey: ownerKey,
			Enabled:    true,
		})
	}
	deliver := func(ctx context.Context, text string) error {
		_, err := desktop.SendMessage(ctx, messaging.DefaultDesktopConversationID, text)
		return err
	}

	return trigger.NewHeartbeat(timer, run, deliver, trigger.HeartbeatOpts{
		Interval:    cfg.HeartbeatInterval,
		ActiveStart: cfg.HeartbeatActiveStart,
		ActiveEnd:   cfg.HeartbeatActiveEnd,
		Timezone:    cfg.HeartbeatTimezone,
	})
}
