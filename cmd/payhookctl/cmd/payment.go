package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type createdPayment struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Last4     string `json:"last4"`
}

// paymentCmd represents the payment command
var paymentCmd = &cobra.Command{
	Use:   "payment",
	Short: "Create test payments",
}

var paymentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a payment and fan out payment.created",
	Long: `Create a payment. Every active webhook receives a payment.created event.

Example:
  payhookctl payment create --amount 1299 --currency USD --idempotency-key order-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		first, _ := flags.GetString("first-name")
		last, _ := flags.GetString("last-name")
		zip, _ := flags.GetString("zip")
		card, _ := flags.GetString("card")
		amount, _ := flags.GetInt64("amount")
		currency, _ := flags.GetString("currency")
		key, _ := flags.GetString("idempotency-key")

		body := map[string]any{
			"firstName":  first,
			"lastName":   last,
			"zipCode":    zip,
			"cardNumber": card,
			"amount":     amount,
			"currency":   currency,
		}
		var header map[string]string
		if key != "" {
			header = map[string]string{"Idempotency-Key": key}
		}

		var resp createdPayment
		if err := doRequest(http.MethodPost, "/api/payments", body, header, &resp); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		fmt.Fprintf(out, "Created payment %s (%s, card ending %s)\n", resp.PaymentID, resp.Status, resp.Last4)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(paymentCmd)
	paymentCmd.AddCommand(paymentCreateCmd)

	f := paymentCreateCmd.Flags()
	f.String("first-name", "Test", "cardholder first name")
	f.String("last-name", "Customer", "cardholder last name")
	f.String("zip", "94107", "billing zip code")
	f.String("card", "4242424242424242", "card number")
	f.Int64("amount", 1000, "amount in minor units")
	f.String("currency", "USD", "ISO 4217 currency code")
	f.String("idempotency-key", "", "idempotency key; repeats return the original payment")
}
