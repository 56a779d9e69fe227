// Hatchd is the Hatch tunneling server daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skyhatch/hatch/internal/server"
)

var (
	version = "1.0.0"
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hatchd",
	Short: "Hatch tunneling server daemon",
	Long: `Hatchd is the server component of the Hatch tunneling system.

It accepts control connections from Hatch clients on /ws and routes inbound
HTTP and WebSocket traffic to the matching tunnel by Host header subdomain.

Configuration via environment variables:
  HATCH_HOST          - Listen address (default: all interfaces)
  HATCH_PORT          - Listen port (default: 8080)
  HATCH_BASE_DOMAIN   - Base domain for tunnel subdomains (required)
  HATCH_AUTH_REQUIRED - Require API keys on control sessions
  HATCH_MASTER_KEY    - Single shared API key
  HATCH_HTTPS_URLS    - Advertise https:// public URLs
  HATCH_RATE_LIMIT    - Enable rate limiting (default: true)`,
	RunE: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hatchd.yml)")
	rootCmd.Flags().String("host", "", "Listen address")
	rootCmd.Flags().IntP("port", "p", 8080, "Listen port")
	rootCmd.Flags().StringP("domain", "d", "", "Base domain for tunnel URLs")
	rootCmd.Flags().Bool("auth-required", false, "Require API keys on control sessions")
	rootCmd.Flags().String("master-key", "", "Single shared API key")
	rootCmd.Flags().Bool("https-urls", false, "Advertise https:// public URLs")
	rootCmd.Flags().Bool("rate-limit", true, "Enable rate limiting")
	rootCmd.Flags().Duration("request-timeout", 30*time.Second, "Per-request proxy timeout")
	rootCmd.Flags().String("reserved", "www,api,admin,mail,status", "Comma-separated reserved subdomains")

	viper.BindPFlag("host", rootCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("domain", rootCmd.Flags().Lookup("domain"))
	viper.BindPFlag("auth-required", rootCmd.Flags().Lookup("auth-required"))
	viper.BindPFlag("master-key", rootCmd.Flags().Lookup("master-key"))
	viper.BindPFlag("https-urls", rootCmd.Flags().Lookup("https-urls"))
	viper.BindPFlag("rate-limit", rootCmd.Flags().Lookup("rate-limit"))
	viper.BindPFlag("request-timeout", rootCmd.Flags().Lookup("request-timeout"))
	viper.BindPFlag("reserved", rootCmd.Flags().Lookup("reserved"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hatchd version %s\n", version)
		},
	})
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".hatchd")
		}
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("HATCH")
	viper.AutomaticEnv()

	viper.BindEnv("host", "HATCH_HOST")
	viper.BindEnv("port", "HATCH_PORT")
	viper.BindEnv("domain", "HATCH_BASE_DOMAIN")
	viper.BindEnv("auth-required", "HATCH_AUTH_REQUIRED")
	viper.BindEnv("master-key", "HATCH_MASTER_KEY")
	viper.BindEnv("https-urls", "HATCH_HTTPS_URLS")
	viper.BindEnv("rate-limit", "HATCH_RATE_LIMIT")
	viper.BindEnv("request-timeout", "HATCH_REQUEST_TIMEOUT")
	viper.BindEnv("reserved", "HATCH_RESERVED_SUBDOMAINS")

	viper.ReadInConfig()
}

func runServer(cmd *cobra.Command, args []string) error {
	var reserved []string
	for _, s := range strings.Split(viper.GetString("reserved"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			reserved = append(reserved, s)
		}
	}

	config := &server.Config{
		Host:               viper.GetString("host"),
		Port:               viper.GetInt("port"),
		BaseDomain:         viper.GetString("domain"),
		AuthRequired:       viper.GetBool("auth-required"),
		MasterKey:          viper.GetString("master-key"),
		HTTPSURLs:          viper.GetBool("https-urls"),
		RateLimitEnabled:   viper.GetBool("rate-limit"),
		RequestTimeout:     viper.GetDuration("request-timeout"),
		ReservedSubdomains: reserved,
	}

	if config.BaseDomain == "" {
		return fmt.Errorf("base domain is required (set HATCH_BASE_DOMAIN or use --domain)")
	}

	srv, err := server.New(config)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(context.Background())
}
