package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fastygo/chatcrm/domain"
)

type rootOptions struct {
	userID string
	asJSON bool
}

func newRootCmd(open opener) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "crmctl",
		Short:        "Inspect, verify and repair the CRM event log",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.userID, "user", "u", "", "user whose log is inspected (required)")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of tables")
	_ = root.MarkPersistentFlagRequired("user")

	root.AddCommand(
		newReplayCmd(open, opts),
		newTrailCmd(open, opts),
		newVerifyCmd(open, opts),
		newRollbackCmd(open, opts),
	)
	return root
}

// withApp opens storage for the duration of one command.
func withApp(cmd *cobra.Command, open opener, fn func(a *app) error) error {
	a, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if a.close != nil {
			_ = a.close()
		}
	}()
	return fn(a)
}

func newReplayCmd(open opener, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <entity-id>",
		Short: "Fold the events of one entity and print the resulting state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app) error {
				entity, err := a.uc.Entity(cmd.Context(), opts.userID, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entity)
			})
		},
	}
}

func newTrailCmd(open opener, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trail <entity-id>",
		Short: "Print every event recorded against an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app) error {
				events, err := a.uc.GetAuditTrail(cmd.Context(), opts.userID, args[0])
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), events)
				}
				return printTrail(cmd.OutOrStdout(), events)
			})
		},
	}
}

func newVerifyCmd(open opener, opts *rootOptions) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "verify [entity-id]",
		Short: "Compare stored projections with a replay of the log",
		Long: "Without an entity id every projection of the user is checked. Drift fails the\n" +
			"command unless --repair rebuilds the projections from the log.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					report, err := a.uc.VerifyEntity(cmd.Context(), opts.userID, args[0])
					if err != nil {
						return err
					}
					if opts.asJSON {
						return printJSON(out, report)
					}
					if !report.Consistent {
						fmt.Fprintf(out, "%s drifted:\n%s\n", report.EntityID, report.Diff)
						return fmt.Errorf("projection of %s differs from replay", report.EntityID)
					}
					fmt.Fprintf(out, "%s consistent at version %d\n", report.EntityID, report.Replayed.Version)
					return nil
				}

				reports, checked, err := a.uc.VerifyAll(cmd.Context(), opts.userID, repair)
				if err != nil {
					return err
				}
				if opts.asJSON {
					if err := printJSON(out, reports); err != nil {
						return err
					}
				} else {
					for _, r := range reports {
						state := "drifted"
						if r.Repaired {
							state = "repaired"
						}
						fmt.Fprintf(out, "%s %s:\n%s\n", r.EntityID, state, r.Diff)
					}
					fmt.Fprintf(out, "checked %d entities, %d drifted\n", checked, len(reports))
				}
				if len(reports) > 0 && !repair {
					return fmt.Errorf("%d projections differ from replay", len(reports))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "rebuild drifted projections from the log")
	return cmd
}

func newRollbackCmd(open opener, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <event-id>",
		Short: "Append a compensating event for an earlier event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || eventID <= 0 {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			return withApp(cmd, open, func(a *app) error {
				comp, err := a.uc.RequestRollback(cmd.Context(), opts.userID, eventID, domain.OriginManual)
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), comp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "event %d compensated by event %d (%s)\n", eventID, comp.Event.ID, comp.Event.Kind)
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTrail(w io.Writer, events []domain.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tVERSION\tORIGIN\tCAUSALITY\tCREATED")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
			ev.ID, ev.Kind, ev.Version, ev.Origin, ev.CausalityID, ev.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
