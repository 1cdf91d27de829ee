package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/config"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/logging"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/repository"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the safeguard restored from the configured store. It never
// dispatches: sendctl only reads history and purges it.
type app struct {
	cfgPath string
	store   repository.PersistentStore
	sg      *service.SendSafeguard
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "sendctl",
		Short:         "Inspect and maintain persisted campaign sends",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (defaults to $SHARPSEND_CONFIG)")

	root.AddCommand(a.statusCmd(), a.pendingCmd(), a.recentCmd(), a.cleanupCmd())
	return root
}

func (a *app) open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	st, err := repository.OpenStore(ctx, cfg.Store, logging.Component(log, "store"))
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("no persistent store configured; set store.driver to postgres, sqlite or redis")
	}
	a.store = st
	a.sg = service.NewSendSafeguard(cfg.Safeguard, nil,
		service.WithStore(st),
		service.WithLogger(logging.Component(log, "safeguard")),
	)
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return a.sg.Restore(rctx)
}

func (a *app) close() error {
	if a.sg != nil {
		_ = a.sg.Stop(context.Background())
	}
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <campaign-id>",
		Short: "Show the send record of one campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, ok := a.sg.GetSendStatus(args[0])
			if !ok {
				return fmt.Errorf("campaign %q not found", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func (a *app) pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List sends still waiting for acknowledgement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printRecords(cmd.OutOrStdout(), a.sg.GetPendingSends())
		},
	}
}

func (a *app) recentCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List sent and failed campaigns from the last hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours <= 0 {
				return fmt.Errorf("--hours must be positive")
			}
			return printRecords(cmd.OutOrStdout(), a.sg.GetRecentSends(hours))
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "look-back window in hours")
	return cmd
}

func (a *app) cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete send records and cooldowns older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res := a.sg.CleanupOldRecords(days)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d records and %d cooldowns\n", res.RecordsRemoved, res.CooldownsRemoved)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", service.DefaultRetentionDays, "days of history to keep")
	return cmd
}

func printRecords(out io.Writer, recs []model.SendRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CAMPAIGN\tSTATUS\tRECIPIENTS\tRETRIES\tUPDATED\tLAST ERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.CampaignID, r.Status, len(r.RecipientIDs), r.RetryCount, r.Timestamp.Format(time.RFC3339), r.LastError)
	}
	return tw.Flush()
}
