package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/NdodaEnde/Hospital-Platform/internal/config"
	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
	"github.com/NdodaEnde/Hospital-Platform/internal/domain/patient"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/db"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/sandbox"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "intake-server",
		Short:        "Clinical document intake and patient record reconciliation",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(seedCmd())
	return root
}

// newLogger writes JSON to out, or a console format in development.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to start")
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Error().Err(err).Msg("shutdown incomplete")
				}
			}()
			return a.serve(ctx, 10*time.Second)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrations")
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}

		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, dir))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("get migration status: %w", err)
				}
				printStatuses(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// reconcileCmd is an offline dry run over a JSON file of entities. It needs
// no configuration.
func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Build a patient record from a JSON entity file without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			data, err := readInput(cmd, path)
			if err != nil {
				return err
			}
			entities, err := decodeEntities(data)
			if err != nil {
				return err
			}

			out, err := patient.NewEngine(nil).Preview(entities)
			if out != nil {
				resp := patient.RecordResponse{Record: out.Record, Skipped: out.SkippedCount(), Warnings: out.Skipped}
				if werr := writeJSON(cmd.OutOrStdout(), resp); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().StringP("file", "f", "-", "Entity JSON file, or - for stdin")
	return cmd
}

// decodeEntities accepts a bare array or an {"entities": [...]} object.
func decodeEntities(data []byte) ([]extraction.Entity, error) {
	var entities []extraction.Entity
	if err := json.Unmarshal(data, &entities); err == nil {
		return entities, nil
	}
	var wrapped struct {
		Entities []extraction.Entity `json:"entities"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	return wrapped.Entities, nil
}

// ingestCmd runs one document through the configured pipeline and prints the
// ingest result.
func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Classify, reconcile and commit a single document",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			data, err := readInput(cmd, path)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Error().Err(err).Msg("shutdown incomplete")
				}
			}()

			res, err := a.svc.Ingest(ctx, string(data))
			if err != nil {
				_, body := patient.Failure(err)
				if werr := writeJSON(cmd.OutOrStdout(), body); werr != nil {
					return werr
				}
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringP("file", "f", "-", "Document text file, or - for stdin")
	return cmd
}

// seedCmd prints synthetic doctor's notes, or pushes them through the
// pipeline with --ingest.
func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate synthetic doctor's notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			gen := sandbox.DefaultConfig()
			gen.Count, _ = cmd.Flags().GetInt("count")
			gen.Seed, _ = cmd.Flags().GetInt64("seed")
			gen.MissingDOBRate, _ = cmd.Flags().GetFloat64("missing-dob-rate")
			if gen.Count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			if gen.MissingDOBRate < 0 || gen.MissingDOBRate > 1 {
				return fmt.Errorf("--missing-dob-rate must be between 0 and 1")
			}
			samples := sandbox.Generate(gen)

			if ingest, _ := cmd.Flags().GetBool("ingest"); !ingest {
				return writeJSON(cmd.OutOrStdout(), samples)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Error().Err(err).Msg("shutdown incomplete")
				}
			}()
			return seedPipeline(ctx, a, samples, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().IntP("count", "n", 10, "Number of notes to generate")
	cmd.Flags().Int64("seed", 0, "Random seed; 0 uses the clock")
	cmd.Flags().Float64("missing-dob-rate", 0, "Share of notes written without a date of birth")
	cmd.Flags().Bool("ingest", false, "Ingest the notes instead of printing them")
	return cmd
}

type seedSummary struct {
	Committed int `json:"committed"`
	Held      int `json:"held"`
	Failed    int `json:"failed"`
}

func seedPipeline(ctx context.Context, a *app, samples []sandbox.Sample, out io.Writer, logger zerolog.Logger) error {
	var sum seedSummary
	for i, s := range samples {
		_, err := a.svc.Ingest(ctx, s.Text)
		if err == nil {
			sum.Committed++
			continue
		}
		_, body := patient.Failure(err)
		if body.ReviewBatchID != nil {
			sum.Held++
			continue
		}
		sum.Failed++
		logger.Warn().Err(err).Int("sample", i).Str("stage", body.Stage).Msg("seed ingest failed")
	}
	return writeJSON(out, sum)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
