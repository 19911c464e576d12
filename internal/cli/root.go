// Package cli implements cartctl, the operator tool for the claim store.
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fjod/go_cart/claim-service/internal/repository"
	"github.com/fjod/go_cart/claim-service/internal/store"
)

// Backend is what cartctl needs from a store of record.
type Backend interface {
	store.CartStore
	store.ChangeFeed
	Provision(ctx context.Context, cartID int64) error
	Close() error
}

// BackendOpener connects to the store selected by the root flags.
type BackendOpener func(ctx context.Context, opts *RootOptions) (Backend, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	Driver     string // "postgres" | "mongo" | "sqlite"
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	MongoURI   string
	MongoDB    string
	SQLitePath string

	// Open replaces the flag-driven backend; tests use it to inject a memory store.
	Open BackendOpener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for cartctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cartctl",
		Short: "cartctl - operate the shopping cart claim store",
		Long:  "Inspect, seed and manipulate physical cart claims directly against the store of record.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.Driver, "driver", getEnv("STORE_DRIVER", "postgres"), "store driver (postgres|mongo|sqlite)")
	pf.StringVar(&opts.DBHost, "db-host", getEnv("DB_HOST", "localhost"), "postgres host")
	pf.IntVar(&opts.DBPort, "db-port", getEnvInt("DB_PORT", 5432), "postgres port")
	pf.StringVar(&opts.DBUser, "db-user", getEnv("DB_USER", "postgres"), "postgres user")
	pf.StringVar(&opts.DBPassword, "db-password", getEnv("DB_PASSWORD", "postgres"), "postgres password")
	pf.StringVar(&opts.DBName, "db-name", getEnv("DB_NAME", "claims"), "postgres database")
	pf.StringVar(&opts.MongoURI, "mongo-uri", getEnv("MONGO_URI", "mongodb://localhost:27017"), "mongodb uri")
	pf.StringVar(&opts.MongoDB, "mongo-db", getEnv("MONGO_DB_NAME", "claims"), "mongodb database")
	pf.StringVar(&opts.SQLitePath, "sqlite-path", getEnv("SQLITE_PATH", "claims.db"), "sqlite database file")

	// Add subcommands
	cmd.AddCommand(NewClassifyCommand(opts))
	cmd.AddCommand(NewProvisionCommand(opts))
	cmd.AddCommand(NewClaimCommand(opts))
	cmd.AddCommand(NewReleaseCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) logger() *zap.Logger {
	if !o.Verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func (o *RootOptions) openBackend(ctx context.Context) (Backend, error) {
	if o.Open != nil {
		return o.Open(ctx, o)
	}
	return openStore(ctx, o)
}

func openStore(ctx context.Context, o *RootOptions) (Backend, error) {
	log := o.logger()
	switch o.Driver {
	case "postgres":
		cred := &repository.Credentials{
			Host:     o.DBHost,
			Port:     o.DBPort,
			User:     o.DBUser,
			Password: o.DBPassword,
			DBName:   o.DBName,
		}
		repo, err := repository.NewRepository(cred, log)
		if err != nil {
			return nil, err
		}
		if err := repo.RunMigrations(cred); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	case "mongo":
		db, err := repository.ConnectMongoDB(ctx, o.MongoURI, o.MongoDB)
		if err != nil {
			return nil, err
		}
		repo := repository.NewMongoRepository(db, log)
		if err := repo.CreateIndexes(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	case "sqlite":
		repo, err := repository.NewSQLiteRepository(o.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		if err := repo.RunMigrations(); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", o.Driver)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func parseCartID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid cart id %q", raw))
	}
	return id, nil
}
