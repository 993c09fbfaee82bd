package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flexipod/pkg/config"
	"flexipod/pkg/env"
	"flexipod/pkg/obs"
)

type app struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	logLevel   string

	cfg config.Config
	log *zap.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "flexipod",
		Short: "Drive a simulated legged robot over UDP",
		Long: `flexipod bridges a learning agent and a physics simulator. It sends
motor and control commands as MessagePack datagrams, reduces the telemetry
frames to observation, reward and done, and records every transition.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: 2, err: err}
	})

	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultConfigPath, "config file (.toml, .yaml or .yml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		a.newRunCmd(),
		a.newProbeCmd(),
		a.newResetCmd(),
		a.newStepCmd(),
		a.newControlCmd("pause", "Pause the simulation", (*env.Env).Pause),
		a.newControlCmd("resume", "Resume a paused simulation", (*env.Env).Resume),
		a.newControlCmd("terminate", "Shut the simulator down", (*env.Env).Terminate),
		a.newEpisodesCmd(),
		a.newMockSimCmd(),
	)
	return root
}

// setup loads the config file, applies .env and environment overrides and
// builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, _, err := config.LoadOrDefault(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dotenv := filepath.Join(filepath.Dir(a.configPath), ".env")
	if err := cfg.ApplyEnv(dotenv); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := obs.NewLogger(a.logLevel, a.stderr)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	a.cfg = cfg
	a.log = log.With(zap.String("cmd", cmd.Name()))
	return nil
}

func (a *app) openEnv(opts ...env.Option) (*env.Env, error) {
	envCfg, err := a.cfg.ToEnvConfig()
	if err != nil {
		return nil, err
	}
	opts = append([]env.Option{env.WithLogger(a.log)}, opts...)
	return env.New(envCfg, opts...)
}
