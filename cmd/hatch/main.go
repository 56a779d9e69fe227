// Hatch is the Hatch tunneling client CLI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skyhatch/hatch/internal/client"
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
	Use:   "hatch",
	Short: "Expose local services to the internet",
	Long: `Hatch exposes local HTTP and WebSocket services to the public internet
through a self-hosted tunnel server.

Examples:
  hatch http 3000                    # Expose local port 3000
  hatch http 3000 --subdomain myapp  # Request a specific subdomain
  hatch start --config tunnels.yml   # Open several tunnels at once

Configuration via environment variables:
  HATCH_SERVER  - Server URL (e.g. https://tunnel.example.com)
  HATCH_API_KEY - API key for authentication`,
}

var httpCmd = &cobra.Command{
	Use:   "http <port>",
	Short: "Expose a local HTTP service",
	Long: `Expose a local HTTP service to the internet through the Hatch tunnel.

The service becomes reachable at https://<subdomain>.<base-domain>; WebSocket
endpoints are proxied transparently.`,
	Args: cobra.ExactArgs(1),
	RunE: runHTTPTunnel,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Open tunnels from a declarative config",
	RunE:  runStart,
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored credentials",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is layered hatch.yml resolution)")
	rootCmd.PersistentFlags().StringP("server", "s", "", "Hatch server URL")
	rootCmd.PersistentFlags().StringP("api-key", "k", "", "API key")

	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))

	httpCmd.Flags().String("subdomain", "", "Request a specific subdomain")
	httpCmd.Flags().String("auth", "", "Protect the tunnel with basic auth (user:pass)")
	httpCmd.Flags().String("host", "127.0.0.1", "Local host to forward to")
	httpCmd.Flags().Int("inspector-port", 0, "Local request inspector port")
	httpCmd.Flags().Bool("no-inspector", false, "Disable the local request inspector")
	httpCmd.Flags().Bool("open", false, "Open the public URL in a browser")

	viper.BindPFlag("subdomain", httpCmd.Flags().Lookup("subdomain"))
	viper.BindPFlag("auth", httpCmd.Flags().Lookup("auth"))
	viper.BindPFlag("host", httpCmd.Flags().Lookup("host"))
	viper.BindPFlag("inspector_port", httpCmd.Flags().Lookup("inspector-port"))
	viper.BindPFlag("no_inspector", httpCmd.Flags().Lookup("no-inspector"))

	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	authLoginCmd.Flags().String("key", "", "API key to store (prompted when omitted)")

	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hatch version %s\n", version)
		},
	})
}

// initConfig resolves the layered configuration: every
// ~/.config/hatch/*.yml in name order, then ~/.hatch.yml, then ./hatch.yml,
// merged in that order; environment variables override files and flags
// override everything.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.ReadInConfig()
	} else {
		first := true
		for _, path := range layeredConfigPaths() {
			viper.SetConfigFile(path)
			if first {
				if viper.ReadInConfig() == nil {
					first = false
				}
			} else {
				viper.MergeInConfig()
			}
		}
	}

	viper.SetEnvPrefix("HATCH")
	viper.AutomaticEnv()

	viper.BindEnv("server", "HATCH_SERVER")
	viper.BindEnv("api-key", "HATCH_API_KEY")
	viper.BindEnv("subdomain", "HATCH_SUBDOMAIN")
}

func layeredConfigPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		if matches, err := filepath.Glob(filepath.Join(home, ".config", "hatch", "*.yml")); err == nil {
			sort.Strings(matches)
			paths = append(paths, matches...)
		}
		paths = append(paths, filepath.Join(home, ".hatch.yml"))
	}
	paths = append(paths, "hatch.yml")

	existing := paths[:0]
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	return existing
}

// resolveAPIKey falls back to the credential store when no key was given
// by flag, environment, or config file.
func resolveAPIKey() string {
	if key := viper.GetString("api-key"); key != "" {
		return key
	}
	creds, err := client.LoadCredentials()
	if err != nil {
		return ""
	}
	return creds.APIKey
}

func runHTTPTunnel(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %s", args[0])
	}

	serverURL := viper.GetString("server")
	if serverURL == "" {
		return fmt.Errorf("server URL is required (set HATCH_SERVER or use --server)")
	}

	config := &client.Config{
		ServerURL: serverURL,
		APIKey:    resolveAPIKey(),
		Tunnels: []client.TunnelConfig{{
			Subdomain: viper.GetString("subdomain"),
			Host:      viper.GetString("host"),
			Port:      port,
			BasicAuth: viper.GetString("auth"),
		}},
		InspectorPort: viper.GetInt("inspector_port"),
		NoInspector:   viper.GetBool("no_inspector"),
	}

	openBrowserFlag, _ := cmd.Flags().GetBool("open")
	return runTunnels(config, openBrowserFlag)
}

func runStart(cmd *cobra.Command, args []string) error {
	manifestPath := cfgFile
	if manifestPath == "" {
		manifestPath = "hatch.yml"
	}

	config, err := client.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	if config.ServerURL == "" {
		config.ServerURL = viper.GetString("server")
	}
	if config.APIKey == "" {
		config.APIKey = resolveAPIKey()
	}

	return runTunnels(config, false)
}

func runTunnels(config *client.Config, openURL bool) error {
	c, err := client.New(config)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	c.SetQuietMode(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println()
		printShutdown()
		cancel()
	}()

	c.OnConnect = func(urls []string) {
		printConnectionInfo(config, urls)
		if openURL && len(urls) > 0 {
			openBrowser(urls[0])
		}
	}
	c.OnRequest = printRequest

	printConnecting()
	err = c.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API key locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			fmt.Print("API key: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read API key: %w", err)
			}
			key = strings.TrimSpace(line)
		}
		if key == "" {
			return fmt.Errorf("API key must not be empty")
		}

		creds := &client.Credentials{APIKey: key, Server: viper.GetString("server")}
		if err := client.SaveCredentials(creds); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}
		fmt.Println("Logged in.")
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.DeleteCredentials(); err != nil {
			return fmt.Errorf("failed to remove credentials: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show login status",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := client.LoadCredentials()
		if err != nil {
			return err
		}
		if creds.APIKey == "" {
			fmt.Println("Not logged in.")
			return nil
		}
		masked := creds.APIKey
		if len(masked) > 8 {
			masked = masked[:4] + "..." + masked[len(masked)-4:]
		}
		fmt.Printf("Logged in with key %s", masked)
		if creds.Server != "" {
			fmt.Printf(" (server %s)", creds.Server)
		}
		fmt.Println()
		return nil
	},
}

// openBrowser launches the platform browser on a URL; failures are
// silently ignored.
func openBrowser(url string) {
	switch runtime.GOOS {
	case "darwin":
		exec.Command("open", url).Start()
	case "windows":
		exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		exec.Command("xdg-open", url).Start()
	}
}
