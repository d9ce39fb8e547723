package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fernwood/operon"
	"github.com/fernwood/operon/internal/archive"
	"github.com/fernwood/operon/internal/client"
	"github.com/fernwood/operon/internal/config"
	"github.com/fernwood/operon/internal/runtime"
	"github.com/fernwood/operon/internal/store"
	"github.com/fernwood/operon/pkg/api"
	"github.com/fernwood/operon/pkg/log"
)

// Exit codes understood by the dispatch layer. A suspended run exits
// with exitSuspended so the dispatcher knows to re-invoke after the
// pending human request resolves.
const (
	exitFailure   = 1
	exitSuspended = 75
)

func main() {
	rootCmd := &cobra.Command{
		Use:   operon.Name,
		Short: "Durable workflow execution engine",
		Long: "Operon runs scripted agent procedures with checkpointed, " +
			"exit-and-resume execution.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFailure)
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <procedure.yaml>",
		Short: "Execute one procedure run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			procID, _ := cmd.Flags().GetString("proc-id")
			sessionID, _ := cmd.Flags().GetString("session-id")
			return runProcedure(cmd.Context(), args[0], procID, sessionID)
		},
	}

	cmd.Flags().String("proc-id", "",
		"Procedure row to execute (created when absent)")
	cmd.Flags().String("session-id", "",
		"Conversation session (generated when absent)")
	return cmd
}

func runProcedure(
	ctx context.Context, path, procID, sessionID string,
) error {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.NewWithLevel(
		operon.Name, os.Getenv("OPERON_ENV"), operon.Version, level,
	))

	proc, err := config.LoadProcedure(path)
	if err != nil {
		return err
	}

	stores, creator, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	if procID == "" {
		procID = uuid.NewString()
		if creator != nil {
			creator(api.ProcedureID(procID))
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	runner := runtime.NewRunner(stores, cfg, &runtime.RunnerOpts{
		Models: func(model string) runtime.ModelClient {
			if cfg.ModelEndpoint == "" {
				return nil
			}
			return runtime.NewHTTPModelClient(
				cfg.ModelEndpoint, model, cfg.RequestTimeout,
			)
		},
		Tools:    toolRunner(cfg),
		Children: childRunner(filepath.Dir(path), stores, cfg),
	})

	outcome := runner.Execute(
		ctx, proc, api.ProcedureID(procID), api.SessionID(sessionID),
	)

	raw, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))

	if !outcome.Suspended {
		archiveOutcome(ctx, cfg, proc, procID, sessionID, outcome)
	}

	switch {
	case outcome.Suspended:
		os.Exit(exitSuspended)
	case !outcome.Success:
		os.Exit(exitFailure)
	}
	return nil
}

// openStores builds the configured persistence backend. The returned
// creator seeds a fresh procedure row where the backend supports it.
func openStores(cfg *config.Config) (
	*store.Stores, func(api.ProcedureID), func(), error,
) {
	switch cfg.Backend {
	case config.BackendMemory:
		mem := store.NewMemory()
		return mem.Stores(), func(id api.ProcedureID) {
			mem.CreateProcedure(id)
		}, func() {}, nil

	case config.BackendRedis:
		rdb := store.NewRedis(&store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		creator := func(id api.ProcedureID) {
			if _, err := rdb.CreateProcedure(
				context.Background(), id,
			); err != nil {
				slog.Error("Failed to create procedure row",
					log.ProcID(id), log.Error(err))
			}
		}
		return rdb.Stores(), creator, func() { _ = rdb.Close() }, nil

	case config.BackendGraphQL:
		gql := store.NewGraphQL(client.NewHTTPClient(
			cfg.GraphQLEndpoint, cfg.GraphQLToken, cfg.RequestTimeout,
		))
		return gql.Stores(), nil, func() {}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func toolRunner(cfg *config.Config) runtime.ToolRunner {
	if cfg.ToolEndpoint == "" {
		return nil
	}
	return runtime.NewHTTPToolRunner(cfg.ToolEndpoint, cfg.RequestTimeout)
}

// childRunner resolves sub-procedure refs against the parent's
// directory and executes them through a nested runner
func childRunner(
	dir string, stores *store.Stores, cfg *config.Config,
) runtime.ChildRunner {
	return func(
		ctx context.Context, ref string, params map[string]any,
		_ <-chan any,
	) *api.TaskResult {
		childPath := ref
		if !strings.HasSuffix(childPath, ".yaml") &&
			!strings.HasSuffix(childPath, ".yml") {
			childPath += ".yaml"
		}
		if !filepath.IsAbs(childPath) {
			childPath = filepath.Join(dir, childPath)
		}

		proc, err := config.LoadProcedure(childPath)
		if err != nil {
			return &api.TaskResult{
				Status: api.TaskFailed,
				Error:  err.Error(),
			}
		}

		childID := api.ProcedureID(uuid.NewString())
		switch creator := stores.Procedures.(type) {
		case interface {
			CreateProcedure(api.ProcedureID) *api.Procedure
		}:
			creator.CreateProcedure(childID)
		case interface {
			CreateProcedure(context.Context, api.ProcedureID) (
				*api.Procedure, error,
			)
		}:
			if _, err := creator.CreateProcedure(ctx, childID); err != nil {
				return &api.TaskResult{
					Status: api.TaskFailed,
					Error:  err.Error(),
				}
			}
		}

		// Parameters arrive in the child's persisted state section
		if len(params) > 0 {
			meta := api.NewMetadata()
			meta.State = params
			if err := stores.Procedures.UpdateMetadata(
				ctx, childID, meta,
			); err != nil {
				return &api.TaskResult{
					Status: api.TaskFailed,
					Error:  err.Error(),
				}
			}
		}

		runner := runtime.NewRunner(stores, cfg, &runtime.RunnerOpts{
			Models: func(model string) runtime.ModelClient {
				if cfg.ModelEndpoint == "" {
					return nil
				}
				return runtime.NewHTTPModelClient(
					cfg.ModelEndpoint, model, cfg.RequestTimeout,
				)
			},
			Tools:    toolRunner(cfg),
			Children: childRunner(filepath.Dir(childPath), stores, cfg),
		})

		outcome := runner.Execute(
			ctx, proc, childID, api.SessionID(uuid.NewString()),
		)

		res := &api.TaskResult{
			Success: outcome.Success,
			Result:  outcome.Result,
			Error:   outcome.Error,
		}
		if outcome.Success {
			res.Status = api.TaskCompleted
		} else {
			res.Status = api.TaskFailed
		}

		// Nested suspension is not supported from the CLI dispatcher
		if outcome.Suspended {
			res.Success = false
			res.Status = api.TaskFailed
			res.Error = "child suspended for human input"
		}
		return res
	}
}

func archiveOutcome(
	ctx context.Context, cfg *config.Config, proc *config.Procedure,
	procID, sessionID string, outcome *runtime.Outcome,
) {
	if cfg.ArchiveBucketURL == "" {
		return
	}

	archiver, err := archive.NewBlobArchiver(
		ctx, cfg.ArchiveBucketURL, cfg.ArchivePrefix,
	)
	if err != nil {
		slog.Error("Failed to open archive bucket", log.Error(err))
		return
	}
	defer func() { _ = archiver.Close() }()

	err = archiver.Put(ctx, &archive.Record{
		ProcedureID: api.ProcedureID(procID),
		SessionID:   api.SessionID(sessionID),
		Procedure:   proc.Name,
		Success:     outcome.Success,
		Result:      outcome.Result,
		State:       outcome.State,
		Iterations:  outcome.Iterations,
		ToolsUsed:   outcome.ToolsUsed,
		Error:       outcome.Error,
		ArchivedAt:  time.Now(),
	})
	if err != nil {
		slog.Error("Failed to archive run record", log.Error(err))
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <procedure.yaml>",
		Short: "Check a procedure definition and its script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := config.LoadProcedure(args[0])
			if err != nil {
				return err
			}
			if err := runtime.NewScriptEnv().Validate(proc.Script); err != nil {
				return err
			}
			fmt.Printf("%s: ok\n", proc.Name)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", operon.Name, operon.Version)
		},
	}
}
