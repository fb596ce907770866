package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/siddimore/mcp-paywall/pkg/paywall"
)

type outputOptions struct {
	json bool
}

func (o *outputOptions) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.BoolVarP(&o.json, "json", "j", false, "output as JSON")
}

func newStatsCmd(root *rootOptions) *cobra.Command {
	out := &outputOptions{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show payment statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.service.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			if out.json {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatistics(stats))
			return nil
		},
	}
	out.AddFlags(cmd.Flags())
	return cmd
}

func newCleanupCmd(root *rootOptions) *cobra.Command {
	out := &outputOptions{}
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete records that expired before the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.service.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			if out.json {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired payment records\n", result.Cleaned)
			return nil
		},
	}
	out.AddFlags(cmd.Flags())
	return cmd
}

func newRetryClaimsCmd(root *rootOptions) *cobra.Command {
	out := &outputOptions{}
	cmd := &cobra.Command{
		Use:   "retry-claims",
		Short: "Claim tokens for paid quotes whose earlier claim did not finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.service.RetryClaims(cmd.Context())
			if err != nil {
				return err
			}
			if out.json {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Attempted %d, claimed %d, failed %d\n",
				result.Attempted, result.Claimed, result.Failed)
			return nil
		},
	}
	out.AddFlags(cmd.Flags())
	return cmd
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	labelStyle = lipgloss.NewStyle().Width(18).Foreground(lipgloss.Color("8"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("4")).
			Padding(0, 1)
)

// renderStatistics lays the statistics out as a bordered table.
func renderStatistics(stats *paywall.Statistics) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value))
	}

	rows := []string{
		titleStyle.Render("Payment statistics"),
		row("Total payments", strconv.FormatInt(stats.TotalPayments, 10)),
		row("Paid payments", strconv.FormatInt(stats.PaidPayments, 10)),
		row("Active tokens", strconv.FormatInt(stats.ActiveTokens, 10)),
		row("Expired tokens", strconv.FormatInt(stats.ExpiredTokens, 10)),
		row("Conversion rate", strconv.FormatFloat(stats.ConversionRate*100, 'f', 1, 64)+"%"),
	}

	if len(stats.RevenueByUnit) == 0 {
		rows = append(rows, row("Revenue", "none"))
	}
	for i, revenue := range stats.RevenueByUnit {
		label := ""
		if i == 0 {
			label = "Revenue"
		}
		rows = append(rows, row(label, fmt.Sprintf("%d %s", revenue.Total, strings.ToUpper(revenue.Unit))))
	}

	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
