package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/AgentPipe/internal/api"
	"github.com/BTreeMap/AgentPipe/internal/backend"
	"github.com/BTreeMap/AgentPipe/internal/store"
	"github.com/BTreeMap/AgentPipe/internal/trigger"
	"github.com/BTreeMap/AgentPipe/internal/util"
	"github.com/BTreeMap/AgentPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AgentPipe state data
	DefaultStateDir = "/var/lib/agentpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "agentpipe.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Build module options
	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	backendOpts := buildBackendOptions(flags)
	apiOpts, err := buildAPIOptions(flags)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Start the service
	slog.Info("Bootstrapping AgentPipe with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "backend", len(backendOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := api.Run(waOpts, storeOpts, backendOpts, apiOpts); err != nil {
		slog.Error("AgentPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AgentPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	WhatsAppDSN       string
	DatabaseURL       string
	StateDir          string
	OpenAIKey         string
	OpenAIModel       string
	APIAddr           string
	HeartbeatInterval string
	HeartbeatStart    string
	HeartbeatEnd      string
	Timezone          string
	TwilioSID         string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput          *string
	numeric           *bool
	stateDir          *string
	dbDSN             *string
	openaiKey         *string
	openaiModel       *string
	apiAddr           *string
	heartbeatInterval *string
	heartbeatStart    *string
	heartbeatEnd      *string
	timezone          *string
	twilio            *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          os.Getenv("AGENTPIPE_STATE_DIR"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		APIAddr:           os.Getenv("API_ADDR"),
		HeartbeatInterval: os.Getenv("HEARTBEAT_INTERVAL"),
		HeartbeatStart:    os.Getenv("HEARTBEAT_ACTIVE_START"),
		HeartbeatEnd:      os.Getenv("HEARTBEAT_ACTIVE_END"),
		Timezone:          os.Getenv("AGENTPIPE_TIMEZONE"),
		TwilioSID:         os.Getenv("TWILIO_ACCOUNT_SID"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No AGENTPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("AGENTPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Default to WhatsApp DSN if specific not set
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
		if config.DatabaseURL != "" {
			slog.Debug("Using DATABASE_URL as WHATSAPP_DB_DSN", "dsn_set", true)
		}
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"AGENTPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"HEARTBEAT_INTERVAL", config.HeartbeatInterval,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:          flag.String("qr-output", "", "path to write login QR code"),
		numeric:           flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:          flag.String("state-dir", config.StateDir, "state directory for AgentPipe data (overrides $AGENTPIPE_STATE_DIR)"),
		dbDSN:             flag.String("db-dsn", config.WhatsAppDSN, "database DSN for WhatsApp and the store (overrides $WHATSAPP_DB_DSN or $DATABASE_URL)"),
		openaiKey:         flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:       flag.String("openai-model", config.OpenAIModel, "OpenAI model name (overrides $OPENAI_MODEL)"),
		apiAddr:           flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		heartbeatInterval: flag.String("heartbeat-interval", config.HeartbeatInterval, "heartbeat cadence, e.g. 30m; empty disables (overrides $HEARTBEAT_INTERVAL)"),
		heartbeatStart:    flag.String("heartbeat-active-start", config.HeartbeatStart, "heartbeat active window start, HH:MM (overrides $HEARTBEAT_ACTIVE_START)"),
		heartbeatEnd:      flag.String("heartbeat-active-end", config.HeartbeatEnd, "heartbeat active window end, HH:MM (overrides $HEARTBEAT_ACTIVE_END)"),
		timezone:          flag.String("timezone", config.Timezone, "IANA timezone for the heartbeat window (overrides $AGENTPIPE_TIMEZONE)"),
		twilio:            flag.Bool("twilio", util.ParseBoolEnv("TWILIO_ENABLED", config.TwilioSID != ""), "enable the Twilio WhatsApp channel (overrides $TWILIO_ENABLED; defaults on when $TWILIO_ACCOUNT_SID is set)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"heartbeatInterval", *flags.heartbeatInterval,
		"twilio", *flags.twilio)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.WhatsAppDSN && config.WhatsAppDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.dbDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	switch store.DetectDSNType(*flags.dbDSN) {
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	case "sqlite":
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	default:
		slog.Debug("No database DSN detected, using file store in state directory", "state_dir", *flags.stateDir)
		storeOpts = append(storeOpts, store.WithFileDir(*flags.stateDir))
	}
	return storeOpts
}

// buildBackendOptions constructs LLM backend configuration options
func buildBackendOptions(flags Flags) []backend.Option {
	var backendOpts []backend.Option
	if *flags.openaiKey != "" {
		backendOpts = append(backendOpts, backend.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		backendOpts = append(backendOpts, backend.WithModel(*flags.openaiModel))
	}
	return backendOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) ([]api.Option, error) {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.stateDir != "" {
		apiOpts = append(apiOpts, api.WithStateDir(*flags.stateDir))
	}
	if *flags.twilio {
		apiOpts = append(apiOpts, api.WithTwilio())
	}
	if *flags.heartbeatInterval != "" {
		interval, err := trigger.ParseInterval(*flags.heartbeatInterval)
		if err != nil {
			return nil, err
		}
		apiOpts = append(apiOpts, api.WithHeartbeatInterval(interval))
		if *flags.heartbeatStart != "" || *flags.heartbeatEnd != "" {
			apiOpts = append(apiOpts, api.WithHeartbeatActiveHours(*flags.heartbeatStart, *flags.heartbeatEnd, *flags.timezone))
		}
	}
	return apiOpts, nil
}
