package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/autom8ter/couchsync"
	"github.com/autom8ter/couchsync/checkpoint"
	"github.com/spf13/cobra"
)

func watchCmd(flags *globalFlags) *cobra.Command {
	var (
		types            []string
		since            string
		checkpointName   string
		checkpointParams string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "follow the change feed and print every record it changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, store, err := setup(flags)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			for _, typ := range types {
				if _, err := adapter.FindAll(ctx, typ); err != nil {
					return err
				}
			}
			opts := couchsync.ChangesOptions{Since: since}
			if checkpointName != "" {
				params, err := parseOptions(checkpointParams)
				if err != nil {
					return err
				}
				cp, err := checkpoint.Open(checkpointName, params)
				if err != nil {
					return err
				}
				defer cp.Close()
				opts.Checkpoint = cp
			}
			store.Observe(func(records []*couchsync.Record) {
				for _, rec := range records {
					if err := output(cmd, flags.format, recordView(adapter, rec)); err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), err)
					}
				}
			})
			opts.Listeners = append(opts.Listeners, func(ctx context.Context, changes *couchsync.Changes) {
				for _, c := range changes.Results {
					if c.IsDeletion() {
						fmt.Fprintf(cmd.ErrOrStderr(), "deleted %s (seq %s)\n", c.ID, c.Seq)
					}
				}
			})
			sub := adapter.Subscribe(ctx, opts)
			<-ctx.Done()
			sub.Stop()
			<-sub.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "record types to track, every new document of these types is loaded")
	cmd.Flags().StringVar(&since, "since", "", "starting sequence, defaults to the checkpoint or the current update sequence")
	cmd.Flags().StringVar(&checkpointName, "checkpoint", "", fmt.Sprintf("checkpoint store: one of %v", checkpoint.Registered()))
	cmd.Flags().StringVar(&checkpointParams, "checkpoint-params", `{"storage_path": "./tmp"}`, "checkpoint store params (json)")
	return cmd
}
