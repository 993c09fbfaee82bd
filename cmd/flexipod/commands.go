package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"flexipod/pkg/env"
)

func (a *app) newProbeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether the simulator is sending telemetry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if timeout <= 0 {
				timeout = e.Config().Timeout
			}
			if !e.IsResponsive(timeout) {
				fmt.Fprintf(cmd.OutOrStdout(), "unresponsive: no telemetry on %s within %s\n", e.Config().LocalAddr, timeout)
				return &exitError{code: 1}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "responsive: telemetry on %s\n", e.Config().LocalAddr)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for a datagram (default: env timeout)")
	return cmd
}

func (a *app) newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the episode and print the first frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			obs, err := e.Reset(cmd.Context())
			if err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			id, _ := e.Episode()
			frame, done := e.Frame()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "episode %s: %d observations, done=%t\n", id, len(obs), done)
			fmt.Fprintln(out, frame.Format())
			return nil
		},
	}
}

func (a *app) newStepCmd() *cobra.Command {
	var observeOnly bool
	cmd := &cobra.Command{
		Use:   "step [joint values...]",
		Short: "Send one motor command and print the resulting frame",
		Long: `Send one motor command and print the resulting frame. Without values a
zero command is sent; otherwise exactly one value per joint is required.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			var action []float64
			if !observeOnly {
				action, err = parseAction(args, e.Config().DOF)
				if err != nil {
					return &exitError{code: 2, err: err}
				}
			}

			res, err := e.Step(cmd.Context(), action)
			if err != nil {
				return fmt.Errorf("step: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "reward=%+.4f done=%t\n", res.Reward, res.Done)
			fmt.Fprintln(out, res.Frame.Format())
			return nil
		},
	}
	cmd.Flags().BoolVar(&observeOnly, "observe-only", false, "receive one frame without sending a command")
	return cmd
}

func (a *app) newControlCmd(name, short string, send func(*env.Env) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := send(e); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent to %s\n", name, e.Config().RemoteAddr)
			return nil
		},
	}
}

func parseAction(args []string, dof int) ([]float64, error) {
	if len(args) == 0 {
		return make([]float64, dof), nil
	}
	if len(args) != dof {
		return nil, fmt.Errorf("expected %d joint values, got %d", dof, len(args))
	}
	action := make([]float64, dof)
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("joint %d: %w", i, err)
		}
		action[i] = v
	}
	return action, nil
}
