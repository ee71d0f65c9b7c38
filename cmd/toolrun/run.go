package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/toolrun/internal/config"
	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
)

var (
	runConfigPath string
	runScript     string
	runParams     string
	runTimeoutMS  int
	runTool       string
	runDetails    bool
	runActor      string
	runVerbose    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a script or a stored tool once and print the result",
	Long: `Run a tool script once and print the result as JSON.

With --script the file is executed directly against a private in-memory
database. With --tool the stored tool (ID or tool_name) is run through the
catalog, so parameters are filtered and coerced and the invocation is logged.

Examples:
  toolrun run --script weather.js --params '{"city":"Paris"}'
  toolrun run --tool weather_lookup --params '{"city":"Paris"}'
  cat weather.js | toolrun run --script - --details`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVarP(&runScript, "script", "s", "", "script file to run (- for stdin)")
	runCmd.Flags().StringVarP(&runParams, "params", "p", "{}", "parameters as a JSON object")
	runCmd.Flags().IntVar(&runTimeoutMS, "timeout", 0, "script budget in milliseconds (default from config)")
	runCmd.Flags().StringVar(&runTool, "tool", "", "stored tool ID or tool_name to run")
	runCmd.Flags().BoolVar(&runDetails, "details", false, "call details() instead of invoke()")
	runCmd.Flags().StringVar(&runActor, "actor", "cli", "actor ID recorded for the run")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "enable debug logging")
	runCmd.MarkFlagsMutuallyExclusive("script", "tool")
}

func runOnce(cmd *cobra.Command, _ []string) error {
	if runScript == "" && runTool == "" {
		return fmt.Errorf("one of --script or --tool is required")
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(runParams), &params); err != nil {
		return fmt.Errorf("--params must be a JSON object: %w", err)
	}

	logger := newLogger(false, runVerbose)
	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}
	if runTimeoutMS > 0 {
		cfg.Sandbox.TimeoutMS = runTimeoutMS
	}

	sc, err := initShared(cfg, logger, sharedOptions{memoryStore: runTool == ""})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = tools.ContextWithUserID(ctx, runActor)

	if runTool != "" {
		return runStoredTool(ctx, cmd.OutOrStdout(), sc, params)
	}
	return runScriptFile(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), sc, params)
}

func runScriptFile(ctx context.Context, stdin io.Reader, out io.Writer, sc *SharedComponents, params map[string]any) error {
	var src []byte
	var err error
	if runScript == "-" {
		src, err = io.ReadAll(stdin)
	} else {
		src, err = os.ReadFile(runScript)
	}
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	if err := sandbox.Validate(string(src)); err != nil {
		return err
	}

	inv := sandbox.Invocation{
		Script:     string(src),
		Parameters: params,
		ToolID:     uuid.NewString(),
		ActorID:    runActor,
		Timeout:    sc.Config.Sandbox.Timeout(),
	}
	if runDetails {
		details, err := sc.Runner.Details(ctx, inv)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]string{"details": details})
	}

	res, err := sc.Runner.Run(ctx, inv)
	if err != nil {
		return err
	}
	return printResult(out, res)
}

func runStoredTool(ctx context.Context, out io.Writer, sc *SharedComponents, params map[string]any) error {
	t, err := resolveTool(ctx, sc.Tools, runTool)
	if err != nil {
		return err
	}
	if runDetails {
		details, err := sc.Tools.Details(ctx, t.ID)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]string{"details": details})
	}

	res, err := sc.Tools.Run(ctx, t.ID, params)
	if err != nil {
		return err
	}
	sc.Logger.Debug("tool run finished",
		slog.String("tool", t.ToolName),
		slog.Duration("duration", res.Duration),
		slog.Int("http_calls", res.HTTPCalls),
	)
	return printResult(out, res)
}

// resolveTool accepts either a tool ID or a tool_name.
func resolveTool(ctx context.Context, svc *tools.Service, ref string) (*domain.Tool, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return svc.Get(ctx, id)
	}
	return svc.GetByToolName(ctx, ref)
}

func printResult(out io.Writer, res *sandbox.Result) error {
	if err := printJSON(out, struct {
		*sandbox.Result
		DurationMS int64 `json:"duration_ms"`
	}{res, res.Duration.Round(time.Millisecond).Milliseconds()}); err != nil {
		return err
	}
	if res.TimedOut {
		return errors.New(res.Error)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
