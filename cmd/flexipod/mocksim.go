package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flexipod/pkg/protocol"
	"flexipod/pkg/simstub"
)

func (a *app) newMockSimCmd() *cobra.Command {
	var (
		interval  time.Duration
		fallAfter int
	)
	cmd := &cobra.Command{
		Use:   "mock-sim",
		Short: "Run a stand-in simulator on the configured addresses",
		Long: `Run a stand-in simulator. It listens for commands on the configured
remote address and streams telemetry to the configured local address, so a
second flexipod process can be pointed at it unchanged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			simCfg := simstub.Config{
				DOF:           a.cfg.Env.DOF,
				ListenAddr:    a.cfg.Env.RemoteAddr,
				TelemetryAddr: a.cfg.Env.LocalAddr,
				Interval:      interval,
				FallAfter:     fallAfter,
			}
			sim, err := simstub.New(simCfg,
				simstub.WithCommandHandler(func(c protocol.Command) {
					a.log.Debug("command", zap.Stringer("opcode", c.Opcode), zap.Float64("ts", c.Timestamp))
				}),
				simstub.WithErrorHandler(func(err error) {
					a.log.Warn("dropping datagram", zap.Error(err))
				}),
			)
			if err != nil {
				return err
			}

			a.log.Info("mock simulator running",
				zap.String("listen", sim.Addr()),
				zap.String("telemetry", simCfg.TelemetryAddr),
				zap.Int("dof", simCfg.DOF),
			)
			err = sim.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("mock simulator: %w", err)
			}
			a.log.Info("mock simulator terminated")
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", simstub.DefaultConfig().Interval, "telemetry period")
	cmd.Flags().IntVar(&fallAfter, "fall-after", 200, "motor commands per episode before the robot falls (0: never)")
	return cmd
}
