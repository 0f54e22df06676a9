package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/luckiday/dreamgaussian-api/pkg/auth"
)

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage API keys",
}

// authHashKeyCmd represents the auth hash-key command
var authHashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Print a bcrypt hash for server.api_key_hash",
	Long: `Print a bcrypt hash of an API key. The key is read from the argument or,
when omitted, from the first line of stdin so it stays out of shell history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuthHashKey,
}

// authGenerateKeyCmd represents the auth generate-key command
var authGenerateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate a random API key and its hash",
	RunE:  runAuthGenerateKey,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authHashKeyCmd)
	authCmd.AddCommand(authGenerateKeyCmd)
}

func runAuthHashKey(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read key from stdin: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return errors.New("key must not be empty")
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func runAuthGenerateKey(cmd *cobra.Command, args []string) error {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}

	if IsStructuredOutput() {
		return printStructured(map[string]string{"api_key": key, "api_key_hash": hash})
	}
	fmt.Printf("API key:      %s\n", key)
	fmt.Printf("API key hash: %s\n", hash)
	fmt.Println("\nSet DREAMGEN_SERVER_API_KEY_HASH on the server and DREAMGEN_API_KEY for the CLI.")
	return nil
}
