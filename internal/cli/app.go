package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/tidemark/internal/apperr"
	"github.com/roach88/tidemark/internal/blob"
	"github.com/roach88/tidemark/internal/catalog"
	"github.com/roach88/tidemark/internal/config"
	"github.com/roach88/tidemark/internal/dedup"
	"github.com/roach88/tidemark/internal/ledger"
	"github.com/roach88/tidemark/internal/lineage"
	"github.com/roach88/tidemark/internal/queue"
	"github.com/roach88/tidemark/internal/store"
	pkgconfig "github.com/roach88/tidemark/pkg/config"
)

// ConfigEnv names the environment variable consulted when --config is not
// given. A missing file at that path is not an error.
const ConfigEnv = "TIDEMARK_CONFIG"

// app is the set of components a command works with, all sharing one store.
type app struct {
	cfg      *config.Config
	store    *store.Store
	blobs    *blob.Store
	catalog  *catalog.Catalog
	graph    *lineage.Graph
	ledger   *ledger.Ledger
	resolver *dedup.Resolver
	queue    *queue.Queue
}

// loadConfig builds the effective configuration: defaults, then the config
// file, then flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg := config.NewDefaultConfig()

	switch {
	case opts.ConfigPath != "":
		if err := pkgconfig.Load(opts.ConfigPath, cfg); err != nil {
			return nil, err
		}
	default:
		if _, err := pkgconfig.LoadOptional(os.Getenv(ConfigEnv), cfg); err != nil {
			return nil, err
		}
	}

	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// configureLogging installs the process logger on w.
func configureLogging(cfg *config.Config, opts *RootOptions, w io.Writer) {
	level := cfg.LogLevel
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// openApp loads configuration, configures logging and opens the store.
// The caller must call close.
func openApp(opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	configureLogging(cfg, opts, logOut)

	objects, err := blob.NewFS(cfg.Objects.Root)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open object store", err)
	}

	slog.Debug("opening database", "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	cat := catalog.New(st)
	graph := lineage.New(st)
	runs := ledger.New(st)
	return &app{
		cfg:      cfg,
		store:    st,
		blobs:    blob.New(st, blob.WithObjectStore(objects)),
		catalog:  cat,
		graph:    graph,
		ledger:   runs,
		resolver: dedup.New(st, cat, graph, runs),
		queue:    queue.New(st),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// opError attaches an exit code to a component error: malformed input is a
// command error, anything else an operation failure.
func opError(message string, err error) error {
	if apperr.IsValidation(err) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
