package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flexipod/pkg/bridge/foxglove"
	"flexipod/pkg/engine"
	"flexipod/pkg/env"
	"flexipod/pkg/logger"
	"flexipod/pkg/store"
	"flexipod/pkg/tui"
)

// recorderBuffer sizes the hub subscriptions of the recorders, which should
// not drop transitions at normal control rates.
const recorderBuffer = 4096

type runOptions struct {
	episodes int
	maxSteps int
	policy   string
	seed     uint64
	monitor  bool
	foxglove bool
}

func (a *app) newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run episodes and record every transition",
		Long: `Run episodes with a built-in policy. Each transition is written to the
JSONL log and folded into the episode store; the Foxglove bridge and the
terminal monitor can watch the same stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("foxglove") {
				a.cfg.Foxglove.Enabled = opts.foxglove
			}
			return a.runEpisodes(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.episodes, "episodes", 1, "number of episodes")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 1000, "step limit per episode (0: until done)")
	cmd.Flags().StringVar(&opts.policy, "policy", "zero", "action policy: zero or random")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "seed for the random policy")
	cmd.Flags().BoolVar(&opts.monitor, "tui", false, "show the terminal monitor")
	cmd.Flags().BoolVar(&opts.foxglove, "foxglove", false, "serve transitions to Foxglove Studio (overrides config)")
	return cmd
}

func (a *app) runEpisodes(ctx context.Context, opts runOptions) error {
	if opts.episodes <= 0 {
		return &exitError{code: 2, err: fmt.Errorf("--episodes must be positive, got %d", opts.episodes)}
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := engine.NewHub(engine.WithBroadcastBuffer(recorderBuffer))
	go hub.Run(hubCtx)

	var (
		wg      sync.WaitGroup
		closers []io.Closer
	)
	defer func() {
		stopHub()
		wg.Wait()
		closeRecorders(closers, a.log)
	}()
	// Recorders stop when the hub closes their channel, not on ctx.
	drainCtx := context.Background()

	if path := a.cfg.JSONLPath(); path != "" {
		out, closer, err := openJSONL(path, a.stdout)
		if err != nil {
			return err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		w := logger.NewJSONLWriter(out,
			logger.WithFrames(a.cfg.Recorder.Frames),
			logger.WithErrorHandler(func(err error) {
				a.log.Error("write transition", zap.Error(err))
			}),
		)
		sub := hub.SubscribeWithBuffer(recorderBuffer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Consume(drainCtx, sub)
		}()
	}

	if path := a.cfg.StorePath(); path != "" {
		st, err := store.Open(path, store.WithErrorHandler(func(err error) {
			a.log.Error("store episode", zap.Error(err))
		}))
		if err != nil {
			return err
		}
		closers = append(closers, st)
		sub := hub.SubscribeWithBuffer(recorderBuffer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.Consume(drainCtx, sub)
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Foxglove.Enabled {
		srv := foxglove.NewServer(a.foxgloveConfig(), hub)
		go func() {
			if err := srv.Run(ctx); err != nil {
				a.log.Error("foxglove bridge stopped", zap.Error(err))
			}
		}()
		a.log.Info("foxglove bridge listening", zap.String("addr", a.cfg.Foxglove.WSAddr))
	}

	e, err := a.openEnv(env.WithObserver(hub.Publish))
	if err != nil {
		return err
	}
	defer e.Close()

	policy, err := pickPolicy(opts.policy, e.Config().DOF, opts.seed)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	var loopErr error
	if opts.monitor {
		source := hub.Subscribe()
		loopDone := make(chan struct{})
		go func() {
			defer close(loopDone)
			loopErr = a.loop(ctx, e, policy, opts, io.Discard)
			stopHub()
		}()
		if err := tui.Run(ctx, source); err != nil {
			a.log.Error("monitor", zap.Error(err))
		}
		cancel()
		<-loopDone
	} else {
		loopErr = a.loop(ctx, e, policy, opts, a.stdout)
	}

	stopHub()
	wg.Wait()
	if dropped := hub.Dropped(); dropped > 0 {
		a.log.Warn("subscribers fell behind", zap.Uint64("dropped", dropped))
	}
	if errors.Is(loopErr, context.Canceled) {
		return nil
	}
	return loopErr
}

// closeRecorders closes in reverse open order. A failed close can mean the
// tail of the transition log never reached disk, so it is logged.
func closeRecorders(closers []io.Closer, log *zap.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			log.Error("close recorder", zap.Error(err))
		}
	}
}

func (a *app) loop(ctx context.Context, e *env.Env, policy env.Policy, opts runOptions, out io.Writer) error {
	for i := 0; i < opts.episodes; i++ {
		started := time.Now()
		summary, err := env.RunEpisode(ctx, e, policy, opts.maxSteps)
		if err != nil {
			return fmt.Errorf("episode %d: %w", i+1, err)
		}
		a.log.Info("episode finished",
			zap.String("episode", summary.ID),
			zap.Int("steps", summary.Steps),
			zap.Float64("return", summary.Return),
			zap.Bool("done", summary.Done),
			zap.Duration("elapsed", time.Since(started)),
		)
		fmt.Fprintf(out, "%s steps=%d return=%+.3f done=%t\n", summary.ID, summary.Steps, summary.Return, summary.Done)
	}
	return nil
}

func (a *app) foxgloveConfig() foxglove.Config {
	fc := a.cfg.Foxglove
	cfg := foxglove.DefaultConfig()
	cfg.WSAddr = fc.WSAddr
	cfg.Transition.Topic = fc.Topic
	cfg.Transition.SchemaName = fc.SchemaName
	cfg.Transform.Topic = fc.TFTopic
	cfg.ParentFrameID = fc.ParentFrame
	cfg.FrameID = fc.FrameID
	return cfg
}

func pickPolicy(name string, dof int, seed uint64) (env.Policy, error) {
	switch name {
	case "zero":
		return env.ZeroPolicy(dof), nil
	case "random":
		return env.RandomPolicy(dof, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))), nil
	default:
		return nil, fmt.Errorf("unknown policy %q (want zero or random)", name)
	}
}

// openJSONL resolves "-" to stdout; any other path is created with its
// parent directory.
func openJSONL(path string, stdout io.Writer) (io.Writer, io.Closer, error) {
	if path == "-" {
		return stdout, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open transition log: %w", err)
	}
	return file, file, nil
}
