package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe vault providers and the storage backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COMPONENT\tSTATUS\tLATENCY\tDETAILS")

		for _, provider := range factory.Providers() {
			status := provider.HealthStatus(ctx)
			state := "healthy"
			detail := ""
			if !status.Healthy {
				state = "unhealthy"
				detail = status.Details["error"]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", provider.Name(), state, status.Latency, detail)
		}

		storageState := "healthy"
		storageDetail := ""
		if err := storage.Ping(ctx); err != nil {
			storageState = "unhealthy"
			storageDetail = err.Error()
		}
		fmt.Fprintf(w, "storage (%s)\t%s\t-\t%s\n", storage.Type(), storageState, storageDetail)

		return w.Flush()
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show operation counters for providers and storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tDERIVE\tENCRYPT\tDECRYPT\tFAILED\tEST. MONTHLY COST")
		for _, provider := range factory.Providers() {
			stats := provider.UsageStats()
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t$%.2f\n",
				provider.Name(), stats.DeriveOps, stats.EncryptOps, stats.DecryptOps,
				stats.FailedOps, stats.EstimatedMonthlyCost)
		}

		s := storage.UsageStats()
		fmt.Fprintf(w, "storage (%s)\tstore=%d\tretrieve=%d\tdelete=%d\tlist=%d\t$%.4f\n",
			storage.Type(), s.StoreOps, s.RetrieveOps, s.DeleteOps, s.ListOps, s.MonthlyCost)

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(usageCmd)
}
