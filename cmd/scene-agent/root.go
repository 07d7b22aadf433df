package main

import (
	"fmt"
	"os"

	"plume-collab/internal/collab"
	"plume-collab/internal/config"
	"plume-collab/internal/db"
	"plume-collab/internal/logging"
	"plume-collab/internal/repository"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scene-agent",
	Short: "Headless participant in Plume scene editing",
	Long: `scene-agent joins scene rooms on the relay the way the web editor does:
it seeds empty rooms from the database, autosaves edits and promotes versions.
Use it to watch a scene from a terminal or to flatten a project's author highlights.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var (
	userID      string
	displayName string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&userID, "user", "scene-agent", "user id to act as")
	rootCmd.PersistentFlags().StringVar(&displayName, "name", "Scene agent", "display name shown to collaborators")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// agent is the environment shared by every subcommand.
type agent struct {
	cfg       *config.Config
	logger    zerolog.Logger
	database  *db.GormDB
	scenes    *repository.SceneRepositoryImpl
	workspace *collab.Workspace
}

func newAgent() (*agent, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	database, err := db.NewGorm(cfg, logging.Component(logger, "db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	scenes := repository.NewSceneRepository(database.DB)

	transport := collab.TransportConfig{
		RelayURL: cfg.RelayURL,
		Logger:   logging.Component(logger, "transport"),
	}
	registryCfg := collab.DefaultRegistryConfig
	registryCfg.SeedGrace = cfg.SeedGrace

	return &agent{
		cfg:      cfg,
		logger:   logger,
		database: database,
		scenes:   scenes,
		workspace: &collab.Workspace{
			Registry: collab.NewRegistry(collab.TransportFactory(transport), registryCfg, logging.Component(logger, "registry")),
			Scenes:   scenes,
			Versions: repository.NewVersionRepository(database.DB),
			Notifier: collab.LogNotifier{Logger: logging.Component(logger, "notify")},
			Logger:   logging.Component(logger, "editor"),
			Autosave: collab.AutosaveConfig{
				Debounce:        cfg.SaveDebounce,
				VersionInterval: cfg.VersionInterval,
			},
		},
	}, nil
}

func (a *agent) close() {
	if err := a.workspace.Registry.CloseAll(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to release scenes")
	}
	if err := a.database.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close database")
	}
}
