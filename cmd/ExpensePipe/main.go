package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ExpensePipe/internal/api"
	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/flow"
	"github.com/BTreeMap/ExpensePipe/internal/scheduler"
	"github.com/BTreeMap/ExpensePipe/internal/store"
	"github.com/BTreeMap/ExpensePipe/internal/util"
	"github.com/BTreeMap/ExpensePipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ExpensePipe state data
	DefaultStateDir = "/var/lib/expensepipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "expensepipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Storage backends selectable with STATE_BACKEND.
const (
	BackendSQL      = "sql"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Transports selectable with TRANSPORT.
const (
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
	TransportCloudAPI  = "cloudapi"
	TransportLog       = "log"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ExpensePipe", "backend", flags.Backend, "transport", flags.Transport, "api_addr", flags.APIAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("ExpensePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ExpensePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	Backend          string
	DynamoDBTable    string
	Transport        string

	OpenAIKey      string
	OpenAIKeyParam string
	OpenAIModel    string

	TwilioAuthToken string

	APIAddr             string
	PublicBaseURL       string
	ValidateTwilioSig   bool
	WhatsAppCloudToken  string
	WhatsAppCloudPhone  string
	WhatsAppVerifyToken string
	WhatsAppAppSecret   string

	DeferResponsible bool
	MeAliases        []string
	PartnerAliases   []string
	TurnTimeout      time.Duration
	AckBudget        time.Duration
	Workers          int
	SweepSchedule    string
}

// Flags holds the final configuration after command line overrides.
type Flags struct {
	Config

	qrOutput string
	numeric  bool

	// set when -state-dir moved the defaults derived from the state dir
	stateDirOverridden bool
}

// initializeLogger sets up structured logging. LOG_LEVEL=debug enables debug output.
func initializeLogger() {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:            util.GetEnv("EXPENSEPIPE_STATE_DIR", DefaultStateDir),
		WhatsAppDBDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN:    os.Getenv("DATABASE_DSN"),
		Backend:             strings.ToLower(util.GetEnv("STATE_BACKEND", BackendSQL)),
		DynamoDBTable:       os.Getenv("DYNAMODB_TABLE"),
		Transport:           strings.ToLower(util.GetEnv("TRANSPORT", TransportLog)),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIKeyParam:      os.Getenv("OPENAI_API_KEY_PARAM"),
		OpenAIModel:         os.Getenv("OPENAI_MODEL"),
		TwilioAuthToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		APIAddr:             util.GetEnv("API_ADDR", api.DefaultAddr),
		PublicBaseURL:       os.Getenv("PUBLIC_BASE_URL"),
		ValidateTwilioSig:   util.ParseBoolEnv("VALIDATE_TWILIO_SIGNATURE", false),
		WhatsAppCloudToken:  os.Getenv("WHATSAPP_CLOUD_TOKEN"),
		WhatsAppCloudPhone:  os.Getenv("WHATSAPP_CLOUD_PHONE_ID"),
		WhatsAppVerifyToken: os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		WhatsAppAppSecret:   os.Getenv("WHATSAPP_APP_SECRET"),
		DeferResponsible:    util.ParseBoolEnv("DEFER_RESPONSIBLE", false),
		MeAliases:           util.ParseListEnv("RESPONSIBLE_ME_ALIASES"),
		PartnerAliases:      util.ParseListEnv("RESPONSIBLE_PARTNER_ALIASES"),
		TurnTimeout:         util.ParseDurationEnv("TURN_TIMEOUT", flow.DefaultTurnTimeout),
		AckBudget:           util.ParseDurationEnv("ACK_BUDGET", api.DefaultAckBudget),
		Workers:             util.ParseIntEnv("WORKERS", 4),
		SweepSchedule:       util.GetEnv("SWEEP_SCHEDULE", scheduler.DefaultSweepSchedule),
	}

	// DATABASE_DSN wins over the older DATABASE_URL name
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"EXPENSEPIPE_STATE_DIR", config.StateDir,
		"STATE_BACKEND", config.Backend,
		"TRANSPORT", config.Transport,
		"DATABASE_DSN_TYPE", store.DetectDSNType(config.ApplicationDBDSN),
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_API_KEY_PARAM", config.OpenAIKeyParam,
		"API_ADDR", config.APIAddr,
		"DEFER_RESPONSIBLE", config.DeferResponsible,
		"RESPONSIBLE_ME_ALIASES", len(config.MeAliases),
		"RESPONSIBLE_PARTNER_ALIASES", len(config.PartnerAliases),
		"SWEEP_SCHEDULE", config.SweepSchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	f := Flags{Config: config}
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the whatsmeow login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use numeric login code instead of QR code")
	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory (overrides $EXPENSEPIPE_STATE_DIR)")
	fs.StringVar(&f.ApplicationDBDSN, "db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN or $DATABASE_URL)")
	fs.StringVar(&f.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.Backend, "backend", config.Backend, "conversation and expense backend: sql, dynamodb or memory (overrides $STATE_BACKEND)")
	fs.StringVar(&f.Transport, "transport", config.Transport, "WhatsApp transport: twilio, whatsmeow, cloudapi or log (overrides $TRANSPORT)")
	fs.StringVar(&f.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.BoolVar(&f.DeferResponsible, "defer-responsible", config.DeferResponsible, "ask for the responsible party with a confirmation request (overrides $DEFER_RESPONSIBLE)")
	fs.Func("me-aliases", "comma-separated names that mean the sender as responsible (overrides $RESPONSIBLE_ME_ALIASES)", func(v string) error {
		f.MeAliases = util.SplitList(v)
		return nil
	})
	fs.Func("partner-aliases", "comma-separated names that mean the partner as responsible (overrides $RESPONSIBLE_PARTNER_ALIASES)", func(v string) error {
		f.PartnerAliases = util.SplitList(v)
		return nil
	})
	fs.StringVar(&f.SweepSchedule, "sweep-schedule", config.SweepSchedule, "cron schedule of the retention sweep (overrides $SWEEP_SCHEDULE)")

	if err := fs.Parse(args); err != nil {
		slog.Warn("failed to parse flags", "error", err)
	}

	// Defaults derived from the state directory follow a -state-dir override
	if f.StateDir != config.StateDir {
		f.stateDirOverridden = true
		if f.ApplicationDBDSN == defaultAppDSN(config.StateDir) {
			f.ApplicationDBDSN = defaultAppDSN(f.StateDir)
		}
		if f.WhatsAppDBDSN == defaultWhatsAppDSN(config.StateDir) {
			f.WhatsAppDBDSN = defaultWhatsAppDSN(f.StateDir)
		}
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", f.StateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", f.StateDir,
		"backend", f.Backend,
		"transport", f.Transport,
		"openaiKeySet", f.OpenAIKey != "",
		"apiAddr", f.APIAddr)
	return f
}

// ensureDirectoriesExist creates the state directory and the directory of a
// file-based application database.
func ensureDirectoriesExist(f Flags) error {
	dirs := []string{f.StateDir}
	if store.DetectDSNType(f.ApplicationDBDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(f.ApplicationDBDSN, "file:")))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildCanonicalizer adds the configured responsible aliases to the default
// keyword tables.
func buildCanonicalizer(f Flags) *canon.Canonicalizer {
	var opts []canon.CanonicalizerOption
	if len(f.MeAliases) > 0 {
		opts = append(opts, canon.WithAliases(canon.KindResponsible, canon.ResponsibleMe, f.MeAliases...))
	}
	if len(f.PartnerAliases) > 0 {
		opts = append(opts, canon.WithAliases(canon.KindResponsible, canon.ResponsiblePartner, f.PartnerAliases...))
	}
	if len(opts) == 0 {
		return canon.Default()
	}
	slog.Debug("buildCanonicalizer: responsible aliases configured", "me", len(f.MeAliases), "partner", len(f.PartnerAliases))
	return canon.New(opts...)
}

// buildWhatsAppOptions constructs whatsmeow configuration options
func buildWhatsAppOptions(f Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if f.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(f.qrOutput))
	}
	if f.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if f.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(f.WhatsAppDBDSN))
	}
	return waOpts
}

// buildStoreOptions constructs SQL store options for the application DSN
func buildStoreOptions(f Flags) []store.Option {
	if store.DetectDSNType(f.ApplicationDBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(f.ApplicationDBDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", f.ApplicationDBDSN)
	return []store.Option{store.WithSQLiteDSN(f.ApplicationDBDSN)}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(f Flags) []api.Option {
	apiOpts := []api.Option{api.WithAddr(f.APIAddr)}
	if f.PublicBaseURL != "" {
		apiOpts = append(apiOpts, api.WithPublicBaseURL(f.PublicBaseURL))
	}
	if f.WhatsAppVerifyToken != "" {
		apiOpts = append(apiOpts, api.WithWhatsAppVerifyToken(f.WhatsAppVerifyToken))
	}
	if f.WhatsAppAppSecret != "" {
		apiOpts = append(apiOpts, api.WithWhatsAppAppSecret(f.WhatsAppAppSecret))
	}
	return apiOpts
}
