package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/luckiday/dreamgaussian-api/pkg/client"
	tlsutil "github.com/luckiday/dreamgaussian-api/pkg/tls"
)

// Version is set at build time with -ldflags
var Version = "dev"

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	caCert       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dreamgen",
	Short: "Text-to-3D generation service",
	Long: `dreamgen runs the asynchronous text-to-3D generation API and its workers,
and talks to a running server to submit and follow generation tasks.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./dreamgen.yaml or $HOME/.dreamgen/dreamgen.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key sent as a bearer token")
	rootCmd.PersistentFlags().StringVar(&caCert, "ca-cert", "", "CA certificate for an https server with a private certificate")
}

// initConfig resolves the client settings. The service itself reads its
// configuration through internal/config.
func initConfig() {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("dreamgen")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dreamgen"))
		}
	}

	v.SetEnvPrefix("DREAMGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server_url", "DREAMGEN_SERVER_URL")
	_ = v.BindEnv("api_key", "DREAMGEN_API_KEY")

	// A missing file is fine: flags and environment still apply
	_ = v.ReadInConfig()

	if serverURL == "" {
		serverURL = v.GetString("server_url")
	}
	if apiKey == "" {
		apiKey = v.GetString("api_key")
	}
	if caCert == "" {
		caCert = v.GetString("ca_cert")
	}
	// the service config keeps its key under server.api_key
	if apiKey == "" {
		apiKey = v.GetString("server.api_key")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the configured API URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// IsStructuredOutput returns true for json and yaml output
func IsStructuredOutput() bool {
	return outputFormat == "json" || outputFormat == "yaml"
}

func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithAPIKey(apiKey)}
	if caCert != "" {
		tlsCfg, err := tlsutil.LoadClientConfig(caCert, "", "")
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}))
	}
	return client.New(GetServerURL(), opts...), nil
}

// printStructured writes v as indented JSON or as YAML with the same keys
func printStructured(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if IsJSONOutput() {
		fmt.Println(string(data))
		return nil
	}

	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
