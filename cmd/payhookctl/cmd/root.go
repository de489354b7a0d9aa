package cmd

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	serverURL  string
	grpcAddr   string
	timeout    time.Duration
	skipVerify bool
	outputJSON bool
	prettyJSON bool
	jwtToken   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "payhookctl",
	Short: "payhook CLI - Interact with the payhook webhook delivery service",
	Long: `payhookctl is a command line tool for the payhook webhook delivery service.

Use it to register merchant endpoints, create test payments, inspect the
delivery ledger and verify webhook signatures.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.payhookctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the payhook HTTP API")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc-addr", "localhost:50051", "address of the gRPC health service")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&skipVerify, "insecure", false, "skip TLS certificate verification")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT token for authentication (overrides JWT_TOKEN env var)")

	// Bind flags to viper
	for _, name := range []string{"server", "grpc-addr", "timeout", "insecure", "json", "pretty", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".payhookctl")
	}

	viper.SetEnvPrefix("PAYHOOKCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Config values apply only where the flag wasn't explicitly set
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverURL = s
		}
	}
	if !flags.Changed("grpc-addr") {
		if s := viper.GetString("grpc-addr"); s != "" {
			grpcAddr = s
		}
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("insecure") {
		skipVerify = viper.GetBool("insecure")
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("token") {
		if t := viper.GetString("token"); t != "" {
			jwtToken = t
		} else if t := os.Getenv("JWT_TOKEN"); t != "" {
			jwtToken = t
		}
	}
}

// apiError is the error body returned by the HTTP API
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// doRequest calls the HTTP API and decodes a JSON response into out when out is non-nil
func doRequest(method, path string, body any, header map[string]string, out any) error {
	client := &http.Client{Timeout: timeout}
	if skipVerify {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // For development with self-signed certs
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(raw))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}
	return out.String(), nil
}

// printJSON writes v as JSON, through jq when --pretty is set
func printJSON(w io.Writer, v any) error {
	if prettyJSON {
		compact, err := json.Marshal(v)
		if err != nil {
			return err
		}
		formatted, jqErr := formatWithJQ(compact)
		if jqErr == nil {
			_, err = fmt.Fprint(w, formatted)
			return err
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
