package cmd

import (
	"fmt"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type registeredWebhook struct {
	ID     int64  `json:"id"`
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type webhookView struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// webhookCmd represents the webhook command
var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage merchant webhook endpoints",
}

var webhookRegisterCmd = &cobra.Command{
	Use:   "register [url]",
	Short: "Register a webhook endpoint",
	Long: `Register an HTTP(S) endpoint. The signing secret is shown once; store it.

Example:
  payhookctl webhook register https://merchant.example/hooks`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp registeredWebhook
		if err := doRequest(http.MethodPost, "/webhooks/register", map[string]string{"url": args[0]}, nil, &resp); err != nil {
			return fmt.Errorf("failed to register webhook: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		fmt.Fprintf(out, "Registered webhook %d\n", resp.ID)
		fmt.Fprintf(out, "  URL:    %s\n", resp.URL)
		fmt.Fprintf(out, "  Secret: %s\n", resp.Secret)
		return nil
	},
}

var webhookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered webhook endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp []webhookView
		if err := doRequest(http.MethodGet, "/webhooks", nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to list webhooks: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		if len(resp) == 0 {
			fmt.Fprintln(out, "No webhooks registered")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tURL\tCREATED")
		for _, w := range resp {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", w.ID, w.Status, w.URL, formatTime(&w.CreatedAt))
		}
		return tw.Flush()
	},
}

var webhookDisableCmd = &cobra.Command{
	Use:   "disable [id]",
	Short: "Disable a webhook endpoint",
	Long: `Stop sending new events to an endpoint. Deliveries already scheduled still run.

Example:
  payhookctl webhook disable 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id < 1 {
			return fmt.Errorf("invalid webhook id %q", args[0])
		}
		if err := doRequest(http.MethodPost, fmt.Sprintf("/webhooks/%d/disable", id), nil, nil, nil); err != nil {
			return fmt.Errorf("failed to disable webhook: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Disabled webhook %d\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookRegisterCmd)
	webhookCmd.AddCommand(webhookListCmd)
	webhookCmd.AddCommand(webhookDisableCmd)
}
