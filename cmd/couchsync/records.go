package main

import (
	"github.com/autom8ter/couchsync"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func viewsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install-views",
		Short: "write the design document holding the type and association views",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, _, err := setup(flags)
			if err != nil {
				return err
			}
			rev, err := adapter.InstallViews(commandContext(cmd))
			if err != nil {
				return err
			}
			return output(cmd, flags.format, map[string]any{"rev": rev})
		},
	}
}

func getCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get [type] [id...]",
		Short: "fetch records by id",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, _, err := setup(flags)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			if len(args) == 2 {
				rec, err := adapter.Find(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return output(cmd, flags.format, recordView(adapter, rec))
			}
			records, err := adapter.FindMany(ctx, args[0], args[1:])
			if err != nil {
				return err
			}
			return output(cmd, flags.format, recordViews(adapter, records))
		},
	}
}

func findAllCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "find-all [type]",
		Short: "fetch every record of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, _, err := setup(flags)
			if err != nil {
				return err
			}
			records, err := adapter.FindAll(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return output(cmd, flags.format, recordViews(adapter, records))
		},
	}
}

func queryCmd(flags *globalFlags) *cobra.Command {
	var (
		designDoc string
		options   string
	)
	cmd := &cobra.Command{
		Use:   "query [type] [view]",
		Short: "load the records a view returns",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			adapter, _, err := setup(flags)
			if err != nil {
				return err
			}
			records, err := adapter.FindQuery(commandContext(cmd), args[0], couchsync.ViewQuery{
				DesignDoc: designDoc,
				View:      args[1],
				Options:   opts,
			})
			if err != nil {
				return err
			}
			return output(cmd, flags.format, recordViews(adapter, records))
		},
	}
	cmd.Flags().StringVar(&designDoc, "design-doc", "", "design document, defaults to the configured one")
	cmd.Flags().StringVarP(&options, "options", "o", `{"include_docs": true}`, "view options (json)")
	return cmd
}

func recordViews(adapter *couchsync.Adapter, records []*couchsync.Record) []map[string]any {
	return lo.Map(records, func(rec *couchsync.Record, _ int) map[string]any {
		return recordView(adapter, rec)
	})
}
