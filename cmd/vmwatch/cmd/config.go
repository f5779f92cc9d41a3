package cmd

import (
	"fmt"
	"time"

	"github.com/brayalter/vmwatch/internal/config"
	"github.com/brayalter/vmwatch/pkg/auth"
	tlsutil "github.com/brayalter/vmwatch/pkg/tls"
	"github.com/spf13/cobra"
)

var (
	configInitForce bool

	certOut   string
	keyOut    string
	certCN    string
	certHosts []string
	certDays  int
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Show prints the configuration after defaults, the config file and the
environment have been applied. The guest password is masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		redacted := cfg.Redacted()

		if IsJSONOutput() {
			view, err := redacted.MarshalYAML()
			if err != nil {
				return err
			}
			return printJSON(view)
		}

		out, err := redacted.YAML()
		if err != nil {
			return err
		}
		if cfg.ConfigFile != "" {
			fmt.Printf("# loaded from %s\n", cfg.ConfigFile)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "vmwatch.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteExample(path, configInitForce); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configGenTokenCmd = &cobra.Command{
	Use:   "gen-token",
	Short: "Generate a status API token and its hash",
	Long: `Gen-token prints a new random token for clients and the bcrypt hash to
put in api_tokens, so the plaintext never has to live in the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		hash, err := auth.HashToken(token)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(map[string]string{"token": token, "hash": hash})
		}
		fmt.Printf("token: %s\n", token)
		fmt.Printf("hash:  %s\n", hash)
		return nil
	},
}

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed certificate for the status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		validFor := time.Duration(certDays) * 24 * time.Hour
		if err := tlsutil.GenerateSelfSignedCert(certOut, keyOut, certCN, validFor, certHosts...); err != nil {
			return err
		}
		fmt.Printf("Wrote %s and %s\n", certOut, keyOut)
		fmt.Printf("Set api_tls_cert: %s and api_tls_key: %s to serve HTTPS\n", certOut, keyOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configGenTokenCmd)
	configCmd.AddCommand(configGenCertCmd)
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")

	configGenCertCmd.Flags().StringVar(&certOut, "cert", "vmwatch.crt", "certificate output path")
	configGenCertCmd.Flags().StringVar(&keyOut, "key", "vmwatch.key", "private key output path")
	configGenCertCmd.Flags().StringVar(&certCN, "cn", "localhost", "certificate common name")
	configGenCertCmd.Flags().StringSliceVar(&certHosts, "host", nil, "extra DNS names or IPs (repeatable)")
	configGenCertCmd.Flags().IntVar(&certDays, "days", 365, "validity in days")
}
