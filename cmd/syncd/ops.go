package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/store"
)

// openStore opens the queue database for the offline inspection
// commands. The daemon's busy timeout covers brief contention when it
// is running alongside.
func openStore(ctx context.Context) (*store.SQLStore, error) {
	return store.Open(ctx, store.PoolConfig{Path: viper.GetString("store")})
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [item-id]",
		Short: "Show queue depth by status, or one item's state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 1 {
				it, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("id:        %s\n", it.ID)
				fmt.Printf("status:    %s\n", it.Status)
				fmt.Printf("priority:  %s\n", it.Priority)
				fmt.Printf("attempts:  %d\n", it.Attempts)
				fmt.Printf("enqueued:  %s (%s)\n", it.EnqueuedAt.Format("2006-01-02 15:04:05 MST"), humanize.Time(it.EnqueuedAt))
				if it.LastError != "" {
					fmt.Printf("last err:  %s\n", it.LastError)
				}
				return nil
			}

			counts, err := s.CountByStatus(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, st := range store.Statuses() {
				fmt.Fprintf(w, "%s\t%d\n", st, counts[st])
			}
			fmt.Fprintf(w, "depth\t%d\n", counts.Depth())
			return w.Flush()
		},
	}
}

func newDeadCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered items, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			items, err := s.IterateDead(ctx, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("no dead items")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRIORITY\tATTEMPTS\tSIZE\tDIED\tLAST ERROR")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					it.ID, it.Priority, it.Attempts,
					humanize.IBytes(uint64(len(it.Payload))),
					humanize.Time(it.UpdatedAt), it.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum items to list")
	return cmd
}

func newPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <item-id>...",
		Short: "Delete items outright, dead or otherwise",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Purge(ctx, args)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d of %d items\n", n, len(args))
			return nil
		},
	}
}
