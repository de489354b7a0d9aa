package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/payhook/internal/ledger"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect webhook delivery attempts",
}

var deliveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List delivery attempts, newest first",
	Long: `List delivery attempts from the ledger.

Example:
  payhookctl delivery list --payment-id pay_123
  payhookctl delivery list --watch --interval 2s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paymentID, _ := cmd.Flags().GetString("payment-id")
		endpointID, _ := cmd.Flags().GetInt64("endpoint-id")
		limit, _ := cmd.Flags().GetInt("limit")
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")

		path := deliveriesPath(paymentID, endpointID, limit)
		out := cmd.OutOrStdout()
		if !watch {
			attempts, err := fetchDeliveries(path)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out, attempts)
			}
			return printDeliveries(out, attempts)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return watchDeliveries(ctx, out, path, interval)
	},
}

func deliveriesPath(paymentID string, endpointID int64, limit int) string {
	q := url.Values{}
	if paymentID != "" {
		q.Set("paymentId", paymentID)
	}
	if endpointID > 0 {
		q.Set("endpointId", strconv.FormatInt(endpointID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return "/webhooks/deliveries"
	}
	return "/webhooks/deliveries?" + q.Encode()
}

func fetchDeliveries(path string) ([]ledger.Attempt, error) {
	var attempts []ledger.Attempt
	if err := doRequest(http.MethodGet, path, nil, nil, &attempts); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return attempts, nil
}

func printDeliveries(w io.Writer, attempts []ledger.Attempt) error {
	if len(attempts) == 0 {
		fmt.Fprintln(w, "No delivery attempts found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tPAYMENT\tENDPOINT\tATTEMPT\tSTATUS\tOK\tNEXT RETRY\tRESPONSE")
	for _, a := range attempts {
		status := "-"
		if a.StatusCode != nil {
			status = strconv.Itoa(*a.StatusCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%t\t%s\t%s\n",
			formatTime(&a.CreatedAt), a.PaymentID, a.EndpointID, a.Attempt, status, a.Success,
			formatTime(a.NextRetryAt), excerpt(a.ResponseExcerpt, 40))
	}
	return tw.Flush()
}

// watchDeliveries polls until ctx is done, printing each attempt once
func watchDeliveries(ctx context.Context, w io.Writer, path string, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	seen := map[string]bool{}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		attempts, err := fetchDeliveries(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		var fresh []ledger.Attempt
		// oldest first so the stream reads chronologically
		for i := len(attempts) - 1; i >= 0; i-- {
			if !seen[attempts[i].ID] {
				seen[attempts[i].ID] = true
				fresh = append(fresh, attempts[i])
			}
		}
		for _, a := range fresh {
			if outputJSON {
				if err := printJSON(w, a); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(w, "%s payment=%s endpoint=%d attempt=%d success=%t next=%s\n",
				formatTime(&a.CreatedAt), a.PaymentID, a.EndpointID, a.Attempt, a.Success, formatTime(a.NextRetryAt))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(deliveryListCmd)

	deliveryListCmd.Flags().String("payment-id", "", "filter by payment ID")
	deliveryListCmd.Flags().Int64("endpoint-id", 0, "filter by endpoint ID")
	deliveryListCmd.Flags().Int("limit", 50, "maximum number of results")
	deliveryListCmd.Flags().Bool("watch", false, "keep polling and print new attempts")
	deliveryListCmd.Flags().Duration("interval", 2*time.Second, "poll interval for --watch")
}
