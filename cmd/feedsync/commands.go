package main

import (
	"context"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"feedsync/app"
	"feedsync/config"
	"feedsync/db"
	"feedsync/logger"
	"feedsync/repository"
	"feedsync/seed"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// RootOptions - общие флаги всех команд
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand собирает CLI feedsync
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "feedsync",
		Short:         "Feedsync - optimistic sync backend for a photo feed",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config.yaml", "path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "overrides logs.level from config")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	return cmd
}

// loadConfig читает файл конфигурации. Без файла работаем на значениях по умолчанию
func loadConfig(opts *RootOptions) (*config.ConfigSchema, error) {
	var conf *config.ConfigSchema
	err := config.LoadConfig(opts.ConfigPath)
	switch {
	case err == nil:
		conf = config.AppConfig
	case errors.Is(err, fs.ErrNotExist):
		conf = config.Default()
	default:
		return nil, errors.Wrapf(err, "failed to load configuration %s", opts.ConfigPath)
	}

	if opts.LogLevel != "" {
		conf.Logs.Level = opts.LogLevel
	}
	if err := logger.Init(conf.Logs.Level); err != nil {
		return nil, err
	}
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("Config %s not found, using defaults", opts.ConfigPath)
	}
	config.AppConfig = conf
	return conf, nil
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, conf)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

// connectDatabase подключает postgres или sqlite. Режим seed для этих команд
// превращается в sqlite
func connectDatabase(conf *config.ConfigSchema) error {
	if conf.Sync.DataSource == config.DataSourceSeed {
		conf.Sync.DataSource = config.DataSourceSQLite
	}
	if err := db.ConnectDB(); err != nil {
		return errors.Wrap(err, "failed to connect to the database")
	}
	return nil
}

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := connectDatabase(conf); err != nil {
				return err
			}
			defer db.Close()
			logger.Infof("Schema for %s is up to date", conf.Sync.DataSource)
			return nil
		},
	}
}

type SeedOptions struct {
	*RootOptions
	Users         int
	Posts         int
	Conversations int
	Seed          uint64
}

func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with demo profiles, posts and conversations",
		Long: `Fill the database with generated demo data.

Every generated account signs in with password "` + seed.DemoPassword + `".

Example:
  feedsync seed --users 50 --posts 5
  feedsync seed --config ./config.yaml --users 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.Users, "users", 12, "number of profiles")
	cmd.Flags().IntVar(&opts.Posts, "posts", 3, "posts per profile")
	cmd.Flags().IntVar(&opts.Conversations, "conversations", 0, "number of conversations (default users/2)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 42, "random seed")
	return cmd
}

func runSeed(ctx context.Context, opts *SeedOptions) error {
	conf, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := connectDatabase(conf); err != nil {
		return err
	}
	defer db.Close()

	_, err = seed.Run(ctx, repository.NewGormStore(db.ORM), seed.Options{
		Profiles:        opts.Users,
		PostsPerProfile: opts.Posts,
		Conversations:   opts.Conversations,
		Seed:            opts.Seed,
	})
	return err
}
