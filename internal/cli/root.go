package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/config"
	"github.com/lazypower/mnemos/internal/engine"
	"github.com/lazypower/mnemos/internal/llm"
	"github.com/lazypower/mnemos/internal/logging"
	"github.com/lazypower/mnemos/internal/policy"
	"github.com/lazypower/mnemos/internal/store"
)

var (
	configPath string
	dbPath     string
	logLevel   string
	actorID    string
	actorRole  string
)

var rootCmd = &cobra.Command{
	Use:   "mnemos",
	Short: "Memory recall engine",
	Long: "mnemos stores fragments of recorded interaction, distills them into codestones, " +
		"codecells and lineages, and answers queries with layered, ranked recall.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file (env MNEMOS_CONFIG)")
	pf.StringVar(&dbPath, "db", "", "database path (env MNEMOS_DB)")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (env MNEMOS_LOG_LEVEL)")
	pf.StringVar(&actorID, "actor", "cli", "actor id checked by the policy gate")
	pf.StringVar(&actorRole, "role", "owner", "actor role checked by the policy gate")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(reflectCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(deadLettersCmd)
}

// loadConfig applies the config file and flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(config.PathFromEnv(configPath))
	if err != nil {
		return cfg, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// runtime is what every command needs: config, logger, store and engine.
type runtime struct {
	cfg config.Config
	log *zap.Logger
	db  *store.DB
	eng *engine.Engine
}

func (rt *runtime) Close() {
	rt.db.Close()
	rt.log.Sync()
}

func openRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	path := cfg.Database.Path
	if path == "" {
		if path, err = store.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Warn("llm not configured, reflection stays extractive", zap.Error(err))
		client = nil
	}
	eng, err := engine.New(db, cfg, engine.Options{LLM: client}, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, log: log, db: db, eng: eng}, nil
}

func (rt *runtime) actor() policy.Actor {
	return rt.eng.Actor(actorID, actorRole)
}
