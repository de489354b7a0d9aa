package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the payhook service",
	Long:  `Check the health status of the payhook service using gRPC health checks, or /healthz with --http.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		useHTTP, _ := cmd.Flags().GetBool("http")
		if useHTTP {
			var st struct {
				OK      bool   `json:"ok"`
				Message string `json:"message"`
			}
			if err := doRequest(http.MethodGet, "/healthz", nil, nil, &st); err != nil {
				fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
				return err
			}
			fmt.Fprintln(out, "✓ Service is healthy (HTTP)")
			return nil
		}

		status, err := checkGRPCHealth(cmd.Context(), grpcAddr)
		if err != nil {
			fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
			return err
		}
		if status != healthpb.HealthCheckResponse_SERVING {
			fmt.Fprintf(out, "✗ Service is %s\n", status)
			return fmt.Errorf("service status %s", status)
		}
		fmt.Fprintln(out, "✓ Service is healthy")
		return nil
	},
}

func checkGRPCHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("http", false, "check /healthz on the HTTP server instead")
}
