package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Show the cost analysis across registered vault providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		optimizer, err := factory.Optimizer()
		if err != nil {
			return err
		}

		analysis := optimizer.DetailedCostAnalysis()

		out, err := yaml.Marshal(analysis)
		if err != nil {
			return fmt.Errorf("failed to render cost analysis: %w", err)
		}
		if _, err = os.Stdout.Write(out); err != nil {
			return err
		}

		if err = optimizer.ValidateOptimization(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(costCmd)
}
