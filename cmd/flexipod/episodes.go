package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"flexipod/pkg/store"
)

func (a *app) newEpisodesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "episodes",
		Short: "List recorded episodes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.Open(a.cfg.StorePath())
			if err != nil {
				return err
			}
			defer st.Close()

			episodes, err := st.List(limit)
			if err != nil {
				return fmt.Errorf("list episodes: %w", err)
			}
			if len(episodes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no episodes recorded")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tSTEPS\tRETURN\tDONE\tHEIGHT")
			for _, ep := range episodes {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%+.3f\t%t\t%.3f\n",
					ep.ID, ep.Started.Local().Format(time.DateTime), ep.Steps, ep.Return, ep.Done, ep.FinalHeight)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of episodes (0 for all)")
	return cmd
}
