package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"siope-etl/adapters/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List previous pipeline runs",
	RunE:  runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Print one run record (the latest when no ID is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistoryShow,
}

var (
	historyLimit  int
	historyStatus string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to list")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only list runs with this status (ok, failed)")
}

func openHistory() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.History.Dir == "" {
		return nil, fmt.Errorf("run history is disabled (history.dir is empty)")
	}
	return storage.StoreFactory(storage.BackendFile, cfg.History.Dir)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(context.Background(), &storage.ListFilter{Status: historyStatus, Limit: historyLimit})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Printf("%-36s  %-25s  %-10s  %-6s  %s\n", "RUN", "STARTED", "DURATION", "STATUS", "STAGES")
	for _, r := range records {
		var stages string
		for i, s := range r.Stages {
			if i > 0 {
				stages += ","
			}
			stages += s.Name
		}
		fmt.Printf("%-36s  %-25s  %-10s  %-6s  %s\n", r.ID, r.Started.Format(time.RFC3339), r.Duration.Round(time.Millisecond), r.Status, stages)
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	var record *storage.RunRecord
	if len(args) == 1 {
		record, err = store.Get(context.Background(), args[0])
	} else {
		record, err = store.Latest(context.Background())
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run %s (%s)\n", record.ID, record.Status)
	fmt.Printf("  started  %s\n", record.Started.Format(time.RFC3339))
	fmt.Printf("  finished %s\n", record.Finished.Format(time.RFC3339))
	for k, v := range record.Metadata {
		fmt.Printf("  %-8s %s\n", k, v)
	}
	for _, s := range record.Stages {
		fmt.Printf("  %-12s %-7s %s\n", s.Name, s.Status, s.Duration.Round(time.Millisecond))
		for _, j := range s.Jobs {
			line := fmt.Sprintf("    %-22s %s", j.Name, j.Duration.Round(time.Millisecond))
			if len(j.Stats) > 0 {
				line += "  " + string(j.Stats)
			}
			if j.Error != "" {
				line += "  error: " + j.Error
			}
			fmt.Println(line)
		}
	}
	if record.Error != "" {
		fmt.Printf("  error: %s\n", record.Error)
	}
	return nil
}
