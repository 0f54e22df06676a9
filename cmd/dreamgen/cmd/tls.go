package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	tlsutil "github.com/luckiday/dreamgaussian-api/pkg/tls"
)

var (
	certOut   string
	keyOut    string
	certCN    string
	certHosts []string
	certDays  int
)

// tlsCmd represents the tls command
var tlsCmd = &cobra.Command{
	Use:   "tls",
	Short: "Manage server certificates",
}

// tlsGenerateCmd represents the tls generate command
var tlsGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a self-signed certificate for development",
	Long: `Generate a self-signed certificate and key. Point server.tls_cert_file and
server.tls_key_file at them, and pass the certificate to the CLI with --ca-cert.`,
	RunE: runTLSGenerate,
}

func init() {
	rootCmd.AddCommand(tlsCmd)
	tlsCmd.AddCommand(tlsGenerateCmd)

	tlsGenerateCmd.Flags().StringVar(&certOut, "cert", "server.crt", "certificate output file")
	tlsGenerateCmd.Flags().StringVar(&keyOut, "key", "server.key", "private key output file")
	tlsGenerateCmd.Flags().StringVar(&certCN, "cn", "localhost", "certificate common name")
	tlsGenerateCmd.Flags().StringSliceVar(&certHosts, "host", nil, "additional IP address or DNS name (repeatable)")
	tlsGenerateCmd.Flags().IntVar(&certDays, "days", 365, "validity in days")
}

func runTLSGenerate(cmd *cobra.Command, args []string) error {
	validFor := time.Duration(certDays) * 24 * time.Hour
	if err := tlsutil.GenerateSelfSigned(certOut, keyOut, certCN, validFor, certHosts...); err != nil {
		return err
	}
	fmt.Printf("Certificate: %s\nKey:         %s\n", certOut, keyOut)
	return nil
}
