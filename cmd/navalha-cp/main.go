package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/navalha/navalha/internal/cloudcp"
	"github.com/navalha/navalha/internal/cloudcp/billing"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "navalha-cp",
	Short:         "Navalha control plane",
	Long:          `Navalha control plane: barbershop signup, payment gateway reconciliation and subscription access.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cloudcp.Run(cmd.Context(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cloudcp.Run(cmd.Context(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "navalha-cp %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

var (
	pricePlan  string
	priceSeats int
)

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Print the monthly value for a plan and seat count",
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := billing.MonthlyValue(registry.Plan(pricePlan), priceSeats)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s x%d: R$ %s/month\n", pricePlan, priceSeats, value.StringFixed(2))
		return nil
	},
}

func init() {
	priceCmd.Flags().StringVar(&pricePlan, "plan", string(registry.PlanBasic), "plan (basic or premium)")
	priceCmd.Flags().IntVar(&priceSeats, "seats", 1, "number of professional seats")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(priceCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
