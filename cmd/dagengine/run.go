package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/ZanzyTHEbar/dagengine/internal/audit"
	"github.com/ZanzyTHEbar/dagengine/internal/graph"
	"github.com/ZanzyTHEbar/dagengine/pkg/engine"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runOptions are the flags of the run and watch commands.
type runOptions struct {
	organizationID string
	inputs         []string
	inputFile      string
	timeout        time.Duration
	noCache        bool
	noParallel     bool
	noOrdering     bool
	track          bool
	auditFile      string
	metricsAddr    string
	output         string
	errorPolicy    string
}

func (r *runOptions) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&r.organizationID, "org", "local", "Organization the run is recorded under")
	flags.StringArrayVarP(&r.inputs, "input", "i", nil, "Input value as key=value; numbers and booleans are parsed (repeatable)")
	flags.StringVar(&r.inputFile, "input-file", "", "JSON file with input data, merged under --input values")
	flags.DurationVar(&r.timeout, "timeout", 0, "Run timeout (0 uses the graph file's context)")
	flags.BoolVar(&r.noCache, "no-cache", false, "Disable the result cache")
	flags.BoolVar(&r.noParallel, "no-parallel", false, "Do not mark independent nodes as parallel")
	flags.BoolVar(&r.noOrdering, "no-ordering", false, "Disable dependency ordering")
	flags.BoolVar(&r.track, "track", false, "Enable performance tracking")
	flags.StringVar(&r.auditFile, "audit-file", "", "Append audit records to this JSON-lines file")
	flags.StringVar(&r.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	flags.StringVarP(&r.output, "output", "o", "-", "Where to write the JSON responses (- for stdout)")
	flags.StringVar(&r.errorPolicy, "error-policy", "", "Default error policy for nodes without one (stop, continue, fallback)")
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <graph-file>...",
		Short: "Execute one or more graph files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out, closeOut, err := openOutput(opts.output, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closeOut()

			stack, err := buildStack(global, opts)
			if err != nil {
				return err
			}
			defer stack.Close()

			stopMetrics := serveMetrics(ctx, global, stack, opts.metricsAddr)
			defer stopMetrics()

			return runFiles(ctx, global, stack, opts, args, out)
		},
	}
	opts.register(cmd)
	return cmd
}

// buildStack assembles the default engine for a CLI invocation.
func buildStack(global *globalOptions, opts *runOptions) (*engine.Stack, error) {
	cfg := global.config
	if opts.errorPolicy != "" {
		cfg.DefaultErrorPolicy = dagengine.ErrorPolicy(opts.errorPolicy)
	}

	stackOpts := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithLogger(global.logger),
	}
	if opts.auditFile != "" {
		stackOpts = append(stackOpts, engine.WithAuditSink(audit.NewFileSink(opts.auditFile, global.logger)))
	}
	return engine.New(stackOpts...)
}

// runFiles executes every graph file concurrently and writes one response per
// file, in argument order. It fails if any run did not succeed.
func runFiles(ctx context.Context, global *globalOptions, stack *engine.Stack, opts *runOptions, paths []string, out io.Writer) error {
	input, err := loadInputs(opts.inputFile, opts.inputs)
	if err != nil {
		return err
	}

	responses := make([]*dagengine.Response, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			resp, err := runFile(gctx, stack, opts, path, input)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed []string
	for i, resp := range responses {
		if err := writeResponse(out, paths[i], resp); err != nil {
			return err
		}
		if !resp.Success {
			failed = append(failed, paths[i])
		}
		global.logger.Info("Graph run finished",
			"file", paths[i],
			"execution_id", resp.ExecutionID,
			"status", resp.Status,
		)
		for _, line := range dagengine.NodeErrors(resp.Report) {
			global.logger.Warn("Node did not succeed", "file", paths[i], "node", line)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d graph(s) did not run: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func runFile(ctx context.Context, stack *engine.Stack, opts *runOptions, path string, input map[string]any) (*dagengine.Response, error) {
	gf, err := graph.LoadGraphFile(path)
	if err != nil {
		return nil, err
	}
	return stack.Execute(ctx, buildRequest(gf, opts, input))
}

// buildRequest combines the graph file's context with the command line. Flags
// win over the file.
func buildRequest(gf *graph.GraphFile, opts *runOptions, input map[string]any) *dagengine.ExecutionRequest {
	execCtx := gf.Context
	if execCtx.Trigger == "" {
		execCtx.Trigger = "cli"
	}
	execCtx.ExecutionMode = dagengine.ModeSynchronous

	merged := make(map[string]any, len(execCtx.InputData)+len(input))
	for k, v := range execCtx.InputData {
		merged[k] = v
	}
	for k, v := range input {
		merged[k] = v
	}
	execCtx.InputData = merged

	if opts.timeout > 0 {
		execCtx.TimeoutMS = opts.timeout.Milliseconds()
	}

	return &dagengine.ExecutionRequest{
		OrganizationID: opts.organizationID,
		Graph:          gf.Graph,
		Context:        execCtx,
		Optimization: &dagengine.OptimizationOptions{
			EnableParallelExecution: !opts.noParallel,
			EnableCaching:           !opts.noCache,
			DependencyOptimization:  !opts.noOrdering,
		},
		Monitoring: &dagengine.MonitoringOptions{
			EnablePerformanceTracking: opts.track || opts.metricsAddr != "",
		},
	}
}

// loadInputs reads the optional JSON input file and overlays key=value pairs.
func loadInputs(path string, pairs []string) (map[string]any, error) {
	input := make(map[string]any)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("failed to parse input file: %w", err)
		}
	}

	parsed, err := parseInputs(pairs)
	if err != nil {
		return nil, err
	}
	for k, v := range parsed {
		input[k] = v
	}
	return input, nil
}

// parseInputs turns key=value pairs into input data. Values that parse as
// numbers or booleans are converted.
func parseInputs(pairs []string) (map[string]any, error) {
	input := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}
		input[key] = parseValue(value)
	}
	return input, nil
}

func parseValue(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

type fileResponse struct {
	File     string              `json:"file"`
	Response *dagengine.Response `json:"response"`
}

func writeResponse(w io.Writer, path string, resp *dagengine.Response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fileResponse{File: path, Response: resp}); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

func openOutput(path string, stdout io.Writer) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// serveMetrics exposes the stack's collector until the returned stop function is
// called. An empty address disables it.
func serveMetrics(ctx context.Context, global *globalOptions, stack *engine.Stack, addr string) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", stack.Collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		global.logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			global.logger.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		wg.Wait()
	}
}
