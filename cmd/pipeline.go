package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/agentpipe/agentpipe/internal/atomicfile"
	"github.com/agentpipe/agentpipe/internal/clock"
	"github.com/agentpipe/agentpipe/internal/label"
	"github.com/agentpipe/agentpipe/internal/lock"
	"github.com/agentpipe/agentpipe/internal/metrics"
	"github.com/agentpipe/agentpipe/internal/pipeline"
	"github.com/agentpipe/agentpipe/internal/stagedef"
	"github.com/agentpipe/agentpipe/internal/statestore"
	"github.com/agentpipe/agentpipe/internal/termination"
	"github.com/agentpipe/agentpipe/internal/tracing"
	"github.com/agentpipe/agentpipe/internal/version"
	"github.com/spf13/cobra"
)

// sessionsRoot is where every session's run directory lives.
func sessionsRoot() string {
	return filepath.Join(".agentpipe", "sessions")
}

// locksRoot is where every session's lock file lives.
func locksRoot() string {
	return filepath.Join(".agentpipe", "locks")
}

// stagesRoot is where stage-type definitions (stage.yaml + prompts) live,
// one directory per stage type.
func stagesRoot() string {
	return "stages"
}

var (
	pipelineSingleStage string
	pipelineForce       bool
	pipelineResume      bool
	pipelineInputs      []string
	pipelineProvider    string
	pipelineModel       string
	pipelineLabels      []string
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline <file|name> [session]",
	Short: "Run a multi-stage agent pipeline",
	Long: `Run every stage of a pipeline definition in order, or (with
--single-stage) run one stage type directly without a pipeline file.

Each stage repeats its agent invocation until its termination strategy
decides to stop. State is committed to the session's run directory after
every iteration, so a crashed or interrupted run can always be resumed.`,
	Example: `  # Run a pipeline definition
  agentpipe pipeline pipeline.yaml my-session

  # Run a single stage type, 5 iterations max
  agentpipe pipeline --single-stage draft my-session 5

  # Resume a failed session
  agentpipe pipeline pipeline.yaml my-session --resume

  # Seed initial inputs
  agentpipe pipeline pipeline.yaml my-session --input ./notes --input ./brief.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipelineSingleStage != "" {
			return runSingleStage(pipelineSingleStage, args[1:])
		}
		return runPipelineFile(args[0], args[1:])
	},
}

func init() {
	pipelineCmd.Flags().StringVar(&pipelineSingleStage, "single-stage", "", "Run one stage type directly instead of a pipeline file")
	pipelineCmd.Flags().BoolVarP(&pipelineForce, "force", "f", false, "Displace an existing session lock")
	pipelineCmd.Flags().BoolVar(&pipelineResume, "resume", false, "Resume a session from its last recorded failure")
	pipelineCmd.Flags().StringArrayVar(&pipelineInputs, "input", nil, "Seed an initial input file, directory, or glob (repeatable)")
	pipelineCmd.Flags().StringVar(&pipelineProvider, "provider", "", "Override the provider for every stage")
	pipelineCmd.Flags().StringVar(&pipelineModel, "model", "", "Override the model for every stage")
	pipelineCmd.Flags().StringArrayVar(&pipelineLabels, "label", nil, "Attach a key=value label to a fresh session (repeatable)")
}

// runStageShortcut implements `agentpipe <stage-type> [session] [max_iterations]`:
// the root command falls through here when the first arg matches a known
// stage directory, rather than treating it as an unrecognized command.
func runStageShortcut(cmd *cobra.Command, args []string) error {
	stageType := args[0]
	if _, err := os.Stat(filepath.Join(stagesRoot(), stageType, "stage.yaml")); err != nil {
		return fmt.Errorf("unknown command %q (no stage type found at %s)", stageType, filepath.Join(stagesRoot(), stageType))
	}
	return runSingleStage(stageType, args[1:])
}

func runSingleStage(stageType string, rest []string) error {
	session := defaultSessionName(stageType)
	maxIterations := 1

	if len(rest) > 0 && rest[0] != "" {
		session = rest[0]
	}
	if len(rest) > 1 {
		n, err := strconv.Atoi(rest[1])
		if err != nil {
			return fmt.Errorf("invalid max_iterations %q: %w", rest[1], err)
		}
		maxIterations = n
	}

	def := &stagedef.PipelineDefinition{
		Name: stageType,
		Stages: []stagedef.PipelineStage{
			{Name: stageType, StageType: stageType, Runs: maxIterations},
		},
	}

	return runPipelineCore(session, def, false)
}

func defaultSessionName(stageType string) string {
	return stageType
}

func runPipelineFile(fileOrName string, rest []string) error {
	path := fileOrName
	if _, err := os.Stat(path); err != nil {
		path = fileOrName + ".yaml"
	}

	def, err := stagedef.LoadPipeline(path)
	if err != nil {
		return err
	}

	session := def.Name
	if len(rest) > 0 && rest[0] != "" {
		session = rest[0]
	}

	return runPipelineCore(session, def, true)
}

// runPipelineCore is the shared entry point for a pipeline file run, a
// --single-stage run, and the stage-type shortcut: acquire the session
// lock, initialize or resume state, run every stage, and report the
// outcome in the framed diagnostic/completion style.
func runPipelineCore(session string, def *stagedef.PipelineDefinition, persistDefinition bool) error {
	if err := validateSessionName(session); err != nil {
		return err
	}

	runDir := filepath.Join(sessionsRoot(), session)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("cmd: create run directory %s: %w", runDir, err)
	}

	locker := lock.NewManager(locksRoot())
	if err := acquireSessionLock(locker, session, pipelineForce); err != nil {
		return err
	}
	defer locker.Release(session)

	store := statestore.NewStore(filepath.Join(runDir, "state.json"))
	startStage, startIteration, err := prepareSessionState(store, session, pipelineResume)
	if err != nil {
		return err
	}

	if !pipelineResume && len(pipelineLabels) > 0 {
		labels, err := label.ParseMultiple(pipelineLabels)
		if err != nil {
			return fmt.Errorf("cmd: parse --label: %w", err)
		}
		if err := store.SetLabels(labels); err != nil {
			return err
		}
	}

	if persistDefinition && len(def.Stages) > 1 {
		if err := writePipelineCopy(runDir, def); err != nil {
			return err
		}
	}

	if _, err := pipeline.ResolveInitialInputs(runDir, pipelineInputs, def.Inputs); err != nil {
		return err
	}

	var stopMetrics func()
	if metricsAddr != "" {
		srv := metrics.NewServer(metricsAddr)
		errCh := srv.Start()
		stopMetrics = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
			select {
			case <-errCh:
			default:
			}
		}
		defer stopMetrics()
	}

	// A signal cancels ctx rather than killing the process outright, so the
	// in-flight subprocess is torn down via exec.CommandContext and every
	// deferred cleanup above (including locker.Release) still runs.
	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	shutdownTracing, err := tracing.Init(ctx, "agentpipe", version.GetInfo().Version)
	if err != nil {
		return fmt.Errorf("cmd: init tracing: %w", err)
	}
	defer shutdownTracing(ctx)

	if st, err := store.Load(); err == nil && st.TraceID == "" && os.Getenv("AGENTPIPE_OTLP_ENDPOINT") != "" {
		_ = store.SetTraceID(uuid.NewString())
	}

	resolve := pipeline.ResolveParams{
		CLIProvider:      pipelineProvider,
		CLIModel:         pipelineModel,
		EnvProvider:      os.Getenv("AGENTPIPE_PROVIDER"),
		EnvModel:         os.Getenv("AGENTPIPE_MODEL"),
		ProviderDefaults: appConfig.StagedefDefaults(),
	}

	startedAt := clock.Now()
	runErr := pipeline.Run(ctx, pipeline.RunParams{
		Session:        session,
		RunDir:         runDir,
		Pipeline:       def,
		StagesRoot:     stagesRoot(),
		Store:          store,
		Resolve:        resolve,
		QueueProbe:     queueProbe(),
		Timeout:        defaultTimeoutSeconds(),
		StartStage:     startStage,
		StartIteration: startIteration,
		StartedAt:      startedAt,
		Output:         os.Stdout,
	})

	if runErr != nil {
		printFailureBlock(session, store, runErr)
		return runErr
	}

	printSuccessBlock(session, def, runDir)
	return nil
}

// acquireSessionLock claims the session lock, printing a warning before
// displacing a live holder when force is set (per the external-contract
// requirement that --force warns before it acts).
func acquireSessionLock(locker *lock.Manager, session string, force bool) error {
	err := locker.Acquire(session, false)
	if err == nil {
		return nil
	}

	var busy *lock.BusyError
	if !asBusyError(err, &busy) {
		return err
	}
	if !force {
		return fmt.Errorf("session %q is locked by process %d; pass --force to displace it", session, busy.PID)
	}

	fmt.Fprintf(os.Stderr, "warning: displacing lock held by process %d for session %q\n", busy.PID, session)
	return locker.Acquire(session, true)
}

func asBusyError(err error, out **lock.BusyError) bool {
	busy, ok := err.(*lock.BusyError)
	if ok {
		*out = busy
	}
	return ok
}

// prepareSessionState initializes a fresh session or, with resume=true,
// resets a previously failed one, returning where execution should start.
func prepareSessionState(store *statestore.Store, session string, resume bool) (startStage, startIteration int, err error) {
	_, statErr := os.Stat(store.Path())
	exists := statErr == nil

	if resume {
		if !exists {
			return 0, 0, fmt.Errorf("cannot resume session %q: no prior state found at %s", session, store.Path())
		}
		if _, err := store.Init(session, "pipeline"); err != nil {
			return 0, 0, err
		}
		if err := store.ResetForResume(); err != nil {
			return 0, 0, err
		}
		startStage, err = store.GetResumeStage()
		if err != nil {
			return 0, 0, err
		}
		startIteration, err = store.GetResumeIteration()
		if err != nil {
			return 0, 0, err
		}
		return startStage, startIteration, nil
	}

	if exists {
		return 0, 0, fmt.Errorf("session %q already has state at %s; pass --resume or choose a new session name", session, store.Path())
	}
	if _, err := store.Init(session, "pipeline"); err != nil {
		return 0, 0, err
	}
	return 0, 1, nil
}

func writePipelineCopy(runDir string, def *stagedef.PipelineDefinition) error {
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("cmd: marshal pipeline copy: %w", err)
	}
	return atomicfile.WriteFile(filepath.Join(runDir, "pipeline.yaml"), data, 0o644)
}

func defaultTimeoutSeconds() int64 {
	if v := os.Getenv("AGENTPIPE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// queueProbe wires the "queue" termination strategy to an external command
// named by AGENTPIPE_QUEUE_CMD, templated with ${SESSION}; it counts
// returned lines as ready items. No command configured means no stage may
// use queue termination, which surfaces as a clear error at stage load
// rather than a silent always-continue probe.
func queueProbe() termination.QueueProbe {
	tmpl := os.Getenv("AGENTPIPE_QUEUE_CMD")
	if tmpl == "" {
		return nil
	}
	return func(session string) (int, error) {
		command := strings.ReplaceAll(tmpl, "${SESSION}", session)
		c := exec.Command("sh", "-c", command)
		out, err := c.Output()
		if err != nil {
			return 0, fmt.Errorf("cmd: queue probe %q: %w", command, err)
		}
		count := 0
		scanner := bufio.NewScanner(strings.NewReader(string(out)))
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) != "" {
				count++
			}
		}
		return count, nil
	}
}

func printFailureBlock(session string, store *statestore.Store, runErr error) {
	red := color.New(color.FgRed, color.Bold)
	bold := color.New(color.Bold)

	st, loadErr := store.Load()

	fmt.Fprintln(os.Stderr)
	red.Fprintln(os.Stderr, "✗ Pipeline failed")
	fmt.Fprintln(os.Stderr, "───────────────────────────────────────────────────────────────")
	bold.Fprintf(os.Stderr, "Session:  ")
	fmt.Fprintln(os.Stderr, session)

	if loadErr == nil {
		bold.Fprintf(os.Stderr, "Stage:    ")
		fmt.Fprintln(os.Stderr, st.CurrentStage)
		bold.Fprintf(os.Stderr, "Iteration:")
		fmt.Fprintf(os.Stderr, " %d\n", st.Iteration)
		if st.Error != nil {
			bold.Fprintf(os.Stderr, "Error:    ")
			fmt.Fprintf(os.Stderr, "[%s] %s\n", st.Error.Type, st.Error.Message)
		}
	} else {
		bold.Fprintf(os.Stderr, "Error:    ")
		fmt.Fprintln(os.Stderr, runErr)
	}

	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Resume with:  agentpipe pipeline <file|name> %s --resume\n", session)
}

func printSuccessBlock(session string, def *stagedef.PipelineDefinition, runDir string) {
	green := color.New(color.FgGreen, color.Bold)
	bold := color.New(color.Bold)

	fmt.Println()
	green.Println("✓ Pipeline complete")
	fmt.Println("───────────────────────────────────────────────────────────────")
	bold.Printf("Session:  ")
	fmt.Println(session)
	bold.Printf("Stages:   ")
	fmt.Println(len(def.Stages))
	bold.Printf("Output:   ")
	fmt.Println(runDir)
}
