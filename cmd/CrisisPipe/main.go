package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/CrisisPipe/internal/alerting"
	"github.com/BTreeMap/CrisisPipe/internal/api"
	"github.com/BTreeMap/CrisisPipe/internal/counselor"
	"github.com/BTreeMap/CrisisPipe/internal/crisis"
	"github.com/BTreeMap/CrisisPipe/internal/escalation"
	"github.com/BTreeMap/CrisisPipe/internal/fusion"
	"github.com/BTreeMap/CrisisPipe/internal/lockfile"
	"github.com/BTreeMap/CrisisPipe/internal/metrics"
	"github.com/BTreeMap/CrisisPipe/internal/models"
	"github.com/BTreeMap/CrisisPipe/internal/notify"
	"github.com/BTreeMap/CrisisPipe/internal/oracle"
	"github.com/BTreeMap/CrisisPipe/internal/recovery"
	"github.com/BTreeMap/CrisisPipe/internal/resources"
	"github.com/BTreeMap/CrisisPipe/internal/scheduler"
	"github.com/BTreeMap/CrisisPipe/internal/store"
	"github.com/BTreeMap/CrisisPipe/internal/timer"
	"github.com/BTreeMap/CrisisPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CrisisPipe state data
	DefaultStateDir = "/var/lib/crisispipe"
	// DefaultAPIAddr is the default listen address
	DefaultAPIAddr = ":8080"
	// DefaultOutboxPollInterval is how often queued contact messages are sent
	DefaultOutboxPollInterval = 5 * time.Second
	// DefaultAlertBuffer bounds alerts queued for slow sinks
	DefaultAlertBuffer = 256
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, flags); err != nil {
		slog.Error("CrisisPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CrisisPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	APIAddr          string
	OpenAIKey        string
	OpenAIModel      string
	FacialOracleURL  string
	VoiceOracleURL   string
	CounselorURL     string
	CounselorToken   string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	RedisAddr        string
	DiscordToken     string
	DiscordChannel   string
	KafkaBrokers     []string
	KafkaAlertTopic  string
	EngineConfigFile string
	ResourceFile     string
	MaintenanceCron  string
	ReadingRetention time.Duration
	DedupRetention   time.Duration
	LogLevel         string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	apiAddr      *string
	openaiKey    *string
	openaiModel  *string
	engineConfig *string
	resourceFile *string
	logLevel     *string
}

// initializeLogger sets up structured text logging at the requested level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
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
		StateDir:         os.Getenv("CRISISPIPE_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		FacialOracleURL:  os.Getenv("ORACLE_FACIAL_URL"),
		VoiceOracleURL:   os.Getenv("ORACLE_VOICE_URL"),
		CounselorURL:     os.Getenv("COUNSELOR_API_URL"),
		CounselorToken:   os.Getenv("COUNSELOR_API_TOKEN"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		DiscordToken:     os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordChannel:   os.Getenv("DISCORD_ALERT_CHANNEL_ID"),
		KafkaBrokers:     util.ParseListEnv("KAFKA_BROKERS"),
		KafkaAlertTopic:  os.Getenv("KAFKA_ALERT_TOPIC"),
		EngineConfigFile: os.Getenv("ENGINE_CONFIG_FILE"),
		ResourceFile:     os.Getenv("RESOURCE_TABLE_FILE"),
		MaintenanceCron:  os.Getenv("MAINTENANCE_SCHEDULE"),
		ReadingRetention: util.ParseDurationEnv("READING_RETENTION", scheduler.DefaultReadingRetention),
		DedupRetention:   util.ParseDurationEnv("DEDUP_RETENTION", scheduler.DefaultDedupRetention),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CRISISPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = store.DefaultSQLitePath(config.StateDir)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.KafkaAlertTopic == "" {
		config.KafkaAlertTopic = "crisispipe.alerts"
	}
	if config.MaintenanceCron == "" {
		config.MaintenanceCron = scheduler.DefaultMaintenanceSpec
	}
	if config.LogLevel == "" {
		config.LogLevel = "debug"
	}

	slog.Debug("environment variables loaded",
		"CRISISPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ORACLE_FACIAL_URL_SET", config.FacialOracleURL != "",
		"ORACLE_VOICE_URL_SET", config.VoiceOracleURL != "",
		"COUNSELOR_API_URL_SET", config.CounselorURL != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"REDIS_ADDR", config.RedisAddr,
		"DISCORD_BOT_TOKEN_SET", config.DiscordToken != "",
		"KAFKA_BROKERS", strings.Join(config.KafkaBrokers, ","),
		"ENGINE_CONFIG_FILE", config.EngineConfigFile,
		"RESOURCE_TABLE_FILE", config.ResourceFile)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for CrisisPipe data (overrides $CRISISPIPE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN, a SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the text oracle (overrides $OPENAI_API_KEY)"),
		openaiModel:  flag.String("openai-model", config.OpenAIModel, "OpenAI model for the text oracle (overrides $OPENAI_MODEL)"),
		engineConfig: flag.String("engine-config", config.EngineConfigFile, "YAML file with engine tuning (overrides $ENGINE_CONFIG_FILE)"),
		resourceFile: flag.String("resources", config.ResourceFile, "YAML resource table (overrides $RESOURCE_TABLE_FILE)"),
		logLevel:     flag.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
	}

	flag.Parse()

	// Follow a state directory override when the DSN is the default SQLite path.
	if *flags.dbDSN == store.DefaultSQLitePath(config.StateDir) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = store.DefaultSQLitePath(*flags.stateDir)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// loadEngineConfig returns the defaults or the overlay from path.
func loadEngineConfig(path string) (crisis.Config, error) {
	if path == "" {
		return crisis.DefaultConfig(), nil
	}
	return crisis.LoadConfigFile(path)
}

// loadResources returns the embedded table or the one at path.
func loadResources(path string) (*resources.Table, error) {
	if path == "" {
		return resources.MustLoadDefault(), nil
	}
	return resources.LoadFile(path)
}

// buildOracles configures a backend per modality; unconfigured modalities
// are reported unavailable at scoring time.
func buildOracles(config Config, flags Flags) (*oracle.Set, error) {
	oracles := map[models.Modality]oracle.ScoringOracle{}
	if *flags.openaiKey != "" {
		opts := []oracle.OpenAIOption{oracle.WithAPIKey(*flags.openaiKey)}
		if *flags.openaiModel != "" {
			opts = append(opts, oracle.WithModel(*flags.openaiModel))
		}
		o, err := oracle.NewOpenAITextOracle(opts...)
		if err != nil {
			return nil, fmt.Errorf("text oracle: %w", err)
		}
		oracles[models.ModalityText] = o
	}
	for modality, url := range map[models.Modality]string{
		models.ModalityFacial: config.FacialOracleURL,
		models.ModalityVoice:  config.VoiceOracleURL,
	} {
		if url == "" {
			continue
		}
		o, err := oracle.NewHTTPOracle(modality, url)
		if err != nil {
			return nil, fmt.Errorf("%s oracle: %w", modality, err)
		}
		oracles[modality] = o
	}
	set := oracle.NewSet(oracles)
	slog.Info("Scoring oracles configured", "modalities", set.Configured())
	return set, nil
}

// buildAlerter fans alerts out to the log and any configured remote sinks.
// Remote sinks sit behind one Async queue. The returned func releases them.
func buildAlerter(config Config) (alerting.Alerter, func(), error) {
	var remote alerting.Multi
	var closers []func()

	if config.DiscordToken != "" && config.DiscordChannel != "" {
		d, err := alerting.NewDiscordAlerter(config.DiscordToken, config.DiscordChannel)
		if err != nil {
			return nil, nil, err
		}
		remote = append(remote, alerting.MinSeverity{Min: models.AlertWarning, Next: d})
		closers = append(closers, d.Close)
	}
	if len(config.KafkaBrokers) > 0 {
		w := alerting.NewKafkaWriter(config.KafkaBrokers, config.KafkaAlertTopic)
		remote = append(remote, alerting.NewKafkaAlerter(w))
		closers = append(closers, func() {
			if err := w.Close(); err != nil {
				slog.Warn("Kafka writer close failed", "error", err)
			}
		})
	}

	if len(remote) == 0 {
		return alerting.LogAlerter{}, func() {}, nil
	}
	async := alerting.NewAsync(remote, DefaultAlertBuffer)
	closeAll := func() {
		async.Close()
		for _, c := range closers {
			c()
		}
	}
	return alerting.Multi{alerting.LogAlerter{}, async}, closeAll, nil
}

// buildNotifier returns the contact notifier and, when SMS is configured, the
// outbox sender that delivers its queued messages.
func buildNotifier(config Config, backend store.Backend, alerter alerting.Alerter) (escalation.Notifier, *store.OutboxSender) {
	if config.TwilioSID == "" || config.TwilioToken == "" {
		slog.Warn("Twilio not configured, emergency contacts will not be notified")
		return nil, nil
	}
	sms, err := notify.NewTwilioSMS(
		notify.WithAccountSID(config.TwilioSID),
		notify.WithAuthToken(config.TwilioToken),
		notify.WithFromNumber(config.TwilioFrom),
	)
	if err != nil {
		slog.Error("Twilio SMS client unavailable, emergency contacts will not be notified", "error", err)
		return nil, nil
	}
	notifier := notify.NewContactNotifier(backend, sms, notify.WithOutbox(backend))
	sender := store.NewOutboxSender(backend, notifier.SendOutboxMessage, DefaultOutboxPollInterval,
		store.WithGiveUpHandler(func(ctx context.Context, msg store.OutboxMessage, err error) {
			detail := msg.LastError
			if err != nil {
				detail = err.Error()
			}
			alerter.Alert(ctx, models.OpsAlert{
				Severity: models.AlertCritical,
				Kind:     "contact_sms_abandoned",
				UserID:   msg.UserID,
				Message:  fmt.Sprintf("gave up delivering contact message %s after %d attempts", msg.ID, msg.Attempts),
				Error:    detail,
				At:       time.Now(),
			})
		}),
	)
	return notifier, sender
}

// buildCounselor returns the dispatch client, or nil when none is configured.
func buildCounselor(config Config) escalation.Counselor {
	if config.CounselorURL == "" {
		slog.Warn("COUNSELOR_API_URL not set, counselor connections will fail and be retried")
		return nil
	}
	c, err := counselor.NewClient(config.CounselorURL, counselor.WithToken(config.CounselorToken))
	if err != nil {
		slog.Error("Counselor client unavailable", "error", err)
		return nil
	}
	return c
}

// buildWindowStore uses Redis when configured so windows survive restarts.
func buildWindowStore(ctx context.Context, config Config, cfg fusion.Config) (fusion.WindowStore, func(), error) {
	if config.RedisAddr == "" {
		return fusion.NewMemoryWindowStore(cfg.WindowSize), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", config.RedisAddr, err)
	}
	slog.Info("Using Redis window store", "addr", config.RedisAddr)
	return fusion.NewRedisWindowStore(client, cfg.WindowSize, 2*cfg.Staleness), func() { client.Close() }, nil
}

func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir, *flags.apiAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	engineCfg, err := loadEngineConfig(*flags.engineConfig)
	if err != nil {
		return err
	}
	table, err := loadResources(*flags.resourceFile)
	if err != nil {
		return err
	}

	backend, err := store.Open(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer backend.Close()

	collector := metrics.NewCollector()

	alerter, closeAlerter, err := buildAlerter(config)
	if err != nil {
		return err
	}
	defer closeAlerter()

	oracles, err := buildOracles(config, flags)
	if err != nil {
		return err
	}

	windows, closeWindows, err := buildWindowStore(ctx, config, engineCfg.Fusion)
	if err != nil {
		return err
	}
	defer closeWindows()

	notifier, outboxSender := buildNotifier(config, backend, alerter)

	ticks := timer.NewSimpleTimer()
	defer ticks.Stop()

	machineOpts := []escalation.Option{
		escalation.WithAlerter(alerter),
		escalation.WithEventStore(backend),
		escalation.WithScheduler(ticks),
		escalation.WithRecorder(collector),
	}
	if notifier != nil {
		machineOpts = append(machineOpts, escalation.WithNotifier(notifier))
	}
	if c := buildCounselor(config); c != nil {
		machineOpts = append(machineOpts, escalation.WithCounselor(c))
	}
	machine := escalation.New(engineCfg.Escalation, machineOpts...)

	svc, err := crisis.New(engineCfg, machine,
		crisis.WithOracles(oracles),
		crisis.WithWindowStore(windows),
		crisis.WithStore(backend),
		crisis.WithDedup(backend),
		crisis.WithResources(table),
		crisis.WithRecorder(collector),
	)
	if err != nil {
		return err
	}

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.NewEventRecovery(backend, machine))
	if outboxSender != nil {
		rm.RegisterRecoverable(recovery.NewOutboxRecovery(outboxSender))
	}
	if err := rm.RecoverAll(ctx); err != nil {
		// Partial recovery still leaves a usable service; the failures are logged.
		slog.Error("Recovery finished with errors", "error", err)
	}

	cron := scheduler.NewScheduler()
	defer cron.Stop()
	maintenance := scheduler.NewMaintenance(
		scheduler.WithWindowSweeper(svc.Engine()),
		scheduler.WithEventPruner(machine),
		scheduler.WithReadingPruner(backend, config.ReadingRetention),
		scheduler.WithInboundPruner(backend, config.DedupRetention),
		scheduler.WithOpenEventsGauge(collector),
	)
	if err := cron.ScheduleMaintenance(ctx, config.MaintenanceCron, maintenance); err != nil {
		return fmt.Errorf("invalid MAINTENANCE_SCHEDULE %q: %w", config.MaintenanceCron, err)
	}

	if outboxSender != nil {
		go outboxSender.Run(ctx)
	}

	server := api.NewServer(svc, api.WithMetrics(collector), api.WithTimers(ticks))
	slog.Info("Bootstrapping CrisisPipe",
		"state_dir", *flags.stateDir,
		"store", store.DetectDSNType(*flags.dbDSN),
		"api_addr", *flags.apiAddr,
		"resources_version", table.Version())
	if err := server.Run(ctx, *flags.apiAddr); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
