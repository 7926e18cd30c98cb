package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/neuralconstruct/construct/circuitbreaker"
	"github.com/neuralconstruct/construct/config"
	"github.com/neuralconstruct/construct/fallback"
	"github.com/neuralconstruct/construct/metrics"
	"github.com/neuralconstruct/construct/orchestration"
	"github.com/neuralconstruct/construct/relay"
	"github.com/neuralconstruct/construct/server"
	"github.com/neuralconstruct/construct/vault"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type askOptions struct {
	mode    string
	model   string
	persona string
	apiKey  string
	title   bool
	verbose bool
}

func newAskCmd() *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [flags] <prompt...>",
		Short: "Run one reasoning turn against the upstream",
		Long: `Run one turn in a reasoning mode and print progress as it happens.
Pass "-" or no prompt to read it from stdin.

Examples:
  construct ask "Explain consistent hashing"
  construct ask --persona strategist "Monorepo or polyrepo?"
  echo "Review this plan" | construct ask --mode redteam -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "reasoning mode (see `construct modes`)")
	cmd.Flags().StringVar(&opts.model, "model", "", "model id (default from config)")
	cmd.Flags().StringVarP(&opts.persona, "persona", "p", "", "persona id for single-step modes")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "upstream API key (overrides env and keyring)")
	cmd.Flags().BoolVar(&opts.title, "title", false, "also generate a short conversation title")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log upstream calls to stderr")
	return cmd
}

func runAsk(cmd *cobra.Command, args []string, opts *askOptions) error {
	input, err := readPrompt(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath(cmd))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	credential, err := resolveCredential(opts.apiKey, cfg)
	if err != nil {
		return err
	}

	logCfg := cfg.Logging
	logCfg.Level = "warn"
	if opts.verbose {
		logCfg.Level = "debug"
	}
	logger, err := buildLogger(logCfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	m := metrics.NewMetrics()
	client := server.NewUpstream(cfg.Upstream, m, logger)
	invoker := buildInvoker(client, cfg, logger, m)
	engine := newEngine(invoker, cfg, logger, m)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	turn := orchestration.Turn{
		Input:      input,
		Mode:       opts.mode,
		Model:      opts.model,
		Persona:    opts.persona,
		Credential: credential,
		Timeout:    cfg.Upstream.Timeout,
	}

	titles := make(chan string, 1)
	if opts.title {
		model := opts.model
		if model == "" {
			model = cfg.Orchestration.DefaultModel
		}
		go func() {
			titles <- orchestration.Title(ctx, invoker, orchestration.TitleRequest{
				Credential: credential,
				Model:      model,
				Message:    input,
			})
		}()
	} else {
		close(titles)
	}

	p := newProgress(cmd.OutOrStdout())
	res, err := p.follow(engine.Run(ctx, turn))
	if title := <-titles; title != "" {
		fmt.Fprintf(p.out, "\n%s %s\n", p.dim("title:"), title)
	}
	if err != nil {
		return fmt.Errorf("turn failed: %s", relay.Describe(err))
	}
	logger.Debug("Turn completed", zap.String("turn", res.TurnID), zap.String("model", res.Model))
	return nil
}

// readPrompt joins args, or reads stdin when args are empty or "-".
func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	raw, err := io.ReadAll(bufio.NewReader(stdin))
	if err != nil {
		return "", fmt.Errorf("reading prompt: %w", err)
	}
	input := strings.TrimSpace(string(raw))
	if input == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return input, nil
}

// resolveCredential falls back to the configured api_key only when no
// flag, environment variable or keyring entry is set.
func resolveCredential(flagValue string, cfg *config.Config) (string, error) {
	key, _, err := vault.Resolve(flagValue)
	if err == nil {
		return key, nil
	}
	if fromConfig := strings.TrimSpace(cfg.Upstream.APIKey); fromConfig != "" {
		return fromConfig, nil
	}
	return "", err
}

// buildInvoker wraps client in the fallback policy when it is enabled.
func buildInvoker(client relay.Invoker, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) relay.Invoker {
	if !cfg.Fallback.Enabled {
		return client
	}
	opts := []fallback.Option{
		fallback.WithLogger(logger.Named("fallback")),
		fallback.WithMetrics(m),
		fallback.WithExternalModels(cfg.Fallback.IncludeExternal),
	}
	if b := cfg.Fallback.Breaker; b.FailureThreshold > 0 {
		opts = append(opts, fallback.WithBreakers(circuitbreaker.Config{
			FailureThreshold: b.FailureThreshold,
			Timeout:          b.Timeout,
			MaxRequests:      b.MaxRequests,
			Interval:         b.Interval,
		}))
	}
	return fallback.New(client, cfg.Fallback.Models, opts...)
}

func newEngine(invoker relay.Invoker, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *orchestration.Engine {
	o := cfg.Orchestration
	return orchestration.NewEngine(orchestration.Options{
		Invoker:        invoker,
		Logger:         logger.Named("orchestration"),
		Metrics:        m,
		DefaultModel:   o.DefaultModel,
		DefaultMode:    o.DefaultMode,
		DefaultPersona: o.DefaultPersona,
		MaxParallel:    o.MaxParallelBranches,
		MetaReasoning:  o.MetaReasoning,
		Personas:       o.Personas,
		PersonaModels:  o.PersonaModels,
	})
}

// progress renders turn events as colored terminal lines.
type progress struct {
	out      io.Writer
	step     func(format string, a ...interface{}) string
	ok       func(format string, a ...interface{}) string
	fail     func(format string, a ...interface{}) string
	warn     func(format string, a ...interface{}) string
	dim      func(a ...interface{}) string
	streamed bool
	midLine  bool
}

func newProgress(out io.Writer) *progress {
	if f, ok := out.(*os.File); !ok || f != os.Stdout {
		color.NoColor = true
	}
	return &progress{
		out:  out,
		step: color.CyanString,
		ok:   color.GreenString,
		fail: color.RedString,
		warn: color.YellowString,
		dim:  color.New(color.Faint).SprintFunc(),
	}
}

// follow drains the execution's events and returns its outcome.
func (p *progress) follow(x *orchestration.Execution) (*orchestration.Result, error) {
	for ev := range x.Events() {
		p.render(ev)
	}
	return x.Wait()
}

func (p *progress) render(ev orchestration.Event) {
	switch ev.Type {
	case orchestration.EventStepStarted:
		p.endLine()
		if ev.Total > 1 {
			fmt.Fprintln(p.out, p.step("▸ %s (%d/%d)", ev.Step, ev.Index+1, ev.Total))
		}
	case orchestration.EventDelta:
		p.streamed = true
		p.midLine = !strings.HasSuffix(ev.Text, "\n")
		fmt.Fprint(p.out, ev.Text)
	case orchestration.EventStepCompleted:
		p.endLine()
		if ev.Total > 1 {
			fmt.Fprintln(p.out, p.ok("✓ %s", ev.Step))
		}
	case orchestration.EventStepFailed:
		p.endLine()
		fmt.Fprintln(p.out, p.fail("✗ %s: %s", ev.Step, relay.Describe(ev.Err)))
	case orchestration.EventBranchStatus:
		p.endLine()
		fmt.Fprintf(p.out, "%s %s\n", p.dim("["+ev.State.String()+"]"), ev.Step)
	case orchestration.EventSubstitution:
		p.endLine()
		fmt.Fprintln(p.out, p.warn("↻ %s rate limited, switching to %s", ev.From, ev.To))
	case orchestration.EventCompleted:
		p.endLine()
		if ev.Result == nil {
			return
		}
		if !p.streamed || len(ev.Result.Outputs) > 1 {
			fmt.Fprintln(p.out)
			fmt.Fprintln(p.out, ev.Result.Content)
		}
		fmt.Fprintf(p.out, "%s\n", p.dim(fmt.Sprintf("mode=%s model=%s turn=%s", ev.Result.Mode, ev.Result.Model, ev.Result.TurnID)))
	case orchestration.EventFailed:
		p.endLine()
		fmt.Fprintln(p.out, p.fail("✗ %s", relay.Describe(ev.Err)))
	}
}

func (p *progress) endLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}
