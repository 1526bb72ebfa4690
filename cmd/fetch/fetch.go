// Package fetch contains the command that downloads a list of objects through a streaming map.
package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skyfetch/skyfetch/cmd/util"
	"github.com/skyfetch/skyfetch/internal/config"
	"github.com/skyfetch/skyfetch/internal/seq"
	"github.com/skyfetch/skyfetch/pkg/authcontext"
	"github.com/skyfetch/skyfetch/pkg/logger"
	"github.com/skyfetch/skyfetch/pkg/stream"
	"github.com/skyfetch/skyfetch/pkg/transfer"
)

// NewFetchCommand returns the 'fetch' command.
func NewFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [LIST]",
		Short: "Download a list of objects",
		Long: `Download every object named in LIST, or in standard input when LIST is '-' or missing.
Each line holds a URL and an optional destination path. Blank lines and lines starting with '#'
are ignored. Supported schemes are s3, http and https.`,
		Args: cobra.MaximumNArgs(1),
		RunE: run,
	}

	defaultConfig := config.DefaultConfig()
	flags := cmd.Flags()

	util.DefineCommonFlags(flags)

	flags.String("executor", defaultConfig.Executor.Kind, "the executor backend: 'serial', 'threads', 'distributed' or 'serverless'")

	flags.Int("max-workers", defaultConfig.Executor.MaxWorkers, "the maximum number of items processed concurrently; 0 uses the executor's default")

	flags.Int("prefetch", defaultConfig.Executor.Prefetch, "how many results may wait to be printed beyond the items in flight; negative means max-workers")

	flags.Bool("ordered", defaultConfig.Executor.Ordered, "report results in input order instead of completion order")

	flags.Bool("fail-fast", defaultConfig.Executor.FailFast, "stop at the first item that fails for good")

	flags.Duration("task-timeout", defaultConfig.Executor.TaskTimeout, "the time limit of one download attempt; 0 means none")

	flags.Int("retry-max-attempts", defaultConfig.Retry.MaxAttempts, "the number of attempts for an item failing transiently")

	flags.Duration("retry-initial-interval", defaultConfig.Retry.InitialInterval, "the backoff before the first retry")

	flags.Duration("retry-max-interval", defaultConfig.Retry.MaxInterval, "the largest backoff between retries")

	flags.StringSlice("nodes", defaultConfig.Distributed.Nodes, "the base URLs of the worker nodes used by the distributed executor")

	flags.String("function-url", defaultConfig.Serverless.FunctionURL, "the URL of the function used by the serverless executor")

	flags.String("identity", defaultConfig.Identity.Kind, "the identity kind: 'token', 'basic' or empty for anonymous access; secrets are read from SKYFETCH_TOKEN or SKYFETCH_PASSWORD")

	flags.String("username", defaultConfig.Identity.Username, "the username of a basic identity")

	// NOTE: if you add a new flag here, update bindRunFlagsFunc, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := util.ReadConfig()
	if err != nil {
		return err
	}

	l, err := util.NewLogger(cfg)
	if err != nil {
		return err
	}

	shutdownTracing, err := util.Telemetry(cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(); err != nil {
			l.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open item list: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fetch(ctx, cfg, l, in, cmd.OutOrStdout())
}

// fetch streams the objects listed in 'in' through the configured executor and reports each
// outcome to 'out' as it completes.
func fetch(ctx context.Context, cfg *config.Config, l logger.Logger, in io.Reader, out io.Writer) error {
	id, err := util.Identity(cfg, l)
	if err != nil {
		return err
	}

	var auth *authcontext.AuthContext
	if id != nil {
		ac, err := authcontext.FromAuth(ctx, id, cfg.Provider)
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		auth = &ac
		defer auth.Wipe()
	}

	reg, h, err := util.Registry(cfg, l)
	if err != nil {
		return err
	}

	exec, err := util.Executor(cfg, reg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := exec.Close(); err != nil {
			l.Error("failed to close executor", zap.Error(err))
		}
	}()

	s, err := stream.New(exec, util.StreamOptions(cfg, l)...)
	if err != nil {
		return err
	}

	lines := seq.NewLineReader(in)
	results := stream.Map(ctx, s, h, seq.Map(lines.Lines(), parseObject), auth)

	downloaded := 0
	for res := range results.All() {
		if res.Err != nil {
			fmt.Fprintf(out, "failed\t%d\t%s\t%v\n", res.Index, res.Item, res.Err)
			continue
		}
		downloaded++
		fmt.Fprintf(out, "ok\t%d\t%s\t%s\t%d\n", res.Index, res.Item, res.Value.Path, res.Value.Bytes)
	}

	stats := results.Stats()
	l.Info("fetch finished",
		zap.Int64("dispatched", stats.Dispatched),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("retries", stats.Retries))

	if err := lines.Err(); err != nil {
		return fmt.Errorf("read item list: %w", err)
	}

	failures := results.Failures()
	fmt.Fprintf(out, "%d downloaded, %d failed\n", downloaded, len(failures))
	for _, f := range failures {
		fmt.Fprintf(out, "  #%d %s: %s: %v\n", f.Index, f.Item, f.Reason(), f.Cause())
	}

	if err := results.Err(); err != nil {
		return err
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d objects failed", len(failures), downloaded+len(failures))
	}
	return nil
}

// parseObject reads a list line of the form 'URL [DEST]'.
func parseObject(line string) transfer.Object {
	fields := strings.Fields(line)
	obj := transfer.Object{URL: fields[0]}
	if len(fields) > 1 {
		obj.Dest = fields[1]
	}
	return obj
}
