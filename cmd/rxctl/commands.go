package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxlife/internal/app"
	"github.com/drfirst/go-rxlife/internal/domain/prescription"
	"github.com/drfirst/go-rxlife/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxlife/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxlife/internal/lifecycle"
	"github.com/drfirst/go-rxlife/pkg/idempotency"
)

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(ctx context.Context, rt *app.Runtime) error {
				if err := postgres.Migrate(ctx, rt.Pool); err != nil {
					return err
				}
				fmt.Println("schema is up to date")
				return nil
			})
		},
	}
}

func topicsCmd() *cobra.Command {
	topics := &cobra.Command{Use: "topics", Short: "Manage Kafka topics"}

	var replication int16
	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create missing topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				results, err := admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs(replication))
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(results)
				}
				tw := newTable(table.Row{"Topic", "Partitions", "Created"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.Name, r.Partitions, r.Created})
				}
				tw.Render()
				return nil
			})
		},
	}
	ensure.Flags().Int16Var(&replication, "replication", 1, "replication factor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				names, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				sort.Strings(names)
				if jsonOutput {
					return printJSON(names)
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			})
		},
	}

	var group string
	lag := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				if group == "" {
					cfg, _, err := loadConfig()
					if err != nil {
						return err
					}
					group = cfg.KafkaGroupID
				}
				lags, err := admin.GroupLag(ctx, group)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(lags)
				}
				tw := newTable(table.Row{"Topic", "Lag"})
				for topic, n := range lags {
					tw.AppendRow(table.Row{topic, n})
				}
				tw.SortBy([]table.SortBy{{Name: "Topic", Mode: table.Asc}})
				tw.Render()
				return nil
			})
		},
	}
	lag.Flags().StringVar(&group, "group", "", "consumer group (default KAFKA_GROUP_ID)")

	topics.AddCommand(ensure, list, lag)
	return topics
}

func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, admin *redpanda.Admin) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	return fn(cmd.Context(), admin)
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Move VALID prescriptions past their expiry date to EXPIRED",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Controller.RefreshExpired(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]int{"expired": n})
				}
				fmt.Printf("%d prescription(s) expired\n", n)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show prescription counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Controller.Stats(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(s)
				}
				tw := newTable(table.Row{"Status", "Count"})
				for _, st := range prescription.Statuses {
					tw.AppendRow(table.Row{st, s.ByStatus[st]})
				}
				tw.AppendFooter(table.Row{"Total", s.Total})
				tw.Render()
				fmt.Printf("expiring soon: %d  dispensed today: %d\n", s.ExpiringSoon, s.DispensedToday)
				return nil
			})
		},
	}
}

func reportCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise prescriptions issued in a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			start := end.AddDate(0, 0, -30)
			var err error
			if from != "" {
				if start, err = parseDate(from, false); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			if to != "" {
				if end, err = parseDate(to, true); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Controller.Report(ctx, start, end)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(r)
				}
				fmt.Printf("%s to %s\n", r.From.Format("2006-01-02"), r.To.Format("2006-01-02"))

				tw := newTable(table.Row{"Issued", "Signed", "Dispensed", "Synced"})
				tw.AppendRow(table.Row{r.Total, r.Signed, r.Dispensed, r.RegistrySynced})
				tw.Render()

				for _, section := range []struct {
					title  string
					ranked []lifecycle.Ranked
				}{
					{"Medication", r.TopMedications},
					{"Prescriber", r.TopPrescribers},
				} {
					if len(section.ranked) == 0 {
						continue
					}
					tw := newTable(table.Row{"#", section.title, "Count"})
					tw.AppendRows(rankedRows(section.ranked))
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD or RFC3339, default 30 days ago)")
	cmd.Flags().StringVar(&to, "to", "", "end date, inclusive (YYYY-MM-DD or RFC3339, default now)")
	return cmd
}

func inventoryCmd() *cobra.Command {
	inv := &cobra.Command{Use: "inventory", Short: "Manage warehouse stock"}
	set := &cobra.Command{
		Use:   "set WAREHOUSE PRODUCT QUANTITY",
		Short: "Set the available quantity of a product in a warehouse",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.Atoi(args[2])
			if err != nil || qty < 0 {
				return fmt.Errorf("quantity must be a non-negative integer")
			}
			return withDatabase(cmd, func(ctx context.Context, rt *app.Runtime) error {
				if err := postgres.NewInventory(rt.Pool).SetQuantity(ctx, args[0], args[1], qty); err != nil {
					return err
				}
				fmt.Printf("%s/%s = %d\n", args[0], args[1], qty)
				return nil
			})
		},
	}
	inv.AddCommand(set)
	return inv
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{Use: "outbox", Short: "Inspect the audit outbox"}
	ob.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show pending and relayed outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(ctx context.Context, rt *app.Runtime) error {
				s, err := postgres.NewOutbox(rt.Pool, nil, postgres.DefaultOutboxConfig(), rt.Metrics, nil).Stats(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(s)
				}
				oldest := "-"
				if s.OldestPending != nil {
					oldest = time.Since(*s.OldestPending).Round(time.Second).String()
				}
				tw := newTable(table.Row{"Pending", "Relayed (24h)", "Exhausted", "Oldest pending"})
				tw.AppendRow(table.Row{s.Pending, s.Processed24h, s.Exhausted, oldest})
				tw.Render()
				return nil
			})
		},
	})
	return ob
}

func inboxCmd() *cobra.Command {
	ib := &cobra.Command{Use: "inbox", Short: "Inspect the idempotency inbox"}
	ib.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show inbox entries by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(ctx context.Context, rt *app.Runtime) error {
				s, err := idempotency.GetStats(ctx, rt.Pool)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(s)
				}
				tw := newTable(table.Row{"Status", "Count"})
				tw.AppendRows([]table.Row{
					{idempotency.StatusStarted, s.Started},
					{idempotency.StatusFinished, s.Finished},
					{idempotency.StatusRecoverable, s.Recoverable},
					{idempotency.StatusFailed, s.Failed},
				})
				tw.AppendFooter(table.Row{"Total", s.TotalEntries})
				tw.Render()
				return nil
			})
		},
	})
	return ib
}

func rankedRows(in []lifecycle.Ranked) []table.Row {
	rows := make([]table.Row, 0, len(in))
	for i, r := range in {
		label := r.Name
		if label == "" {
			label = r.ID
		}
		rows = append(rows, table.Row{i + 1, label, r.Count})
	}
	return rows
}

// parseDate accepts RFC 3339 or YYYY-MM-DD; a bare --to date covers the
// whole day
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err == nil && endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, err
}
