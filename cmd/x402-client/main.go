// Command x402-client fetches x402 paywalled resources, paying challenges with an EVM key.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "x402-client",
		Short:   "Pay x402 shielded challenges from the command line",
		Version: Version,
	}
	rootCmd.PersistentFlags().String("private-key", os.Getenv("X402_PRIVATE_KEY"), "hex EVM private key (defaults to X402_PRIVATE_KEY)")
	rootCmd.PersistentFlags().String("amount", "", "amount to pay instead of the challenge minimum")
	rootCmd.PersistentFlags().String("rpc-url", os.Getenv("X402_RPC_URL"), "EVM RPC endpoint; when set the transfer is broadcast before proving")
	rootCmd.PersistentFlags().Int64("chain-id", 0, "chain id for broadcast transfers (queried from the RPC when 0)")
	rootCmd.PersistentFlags().String("tx-hash", "", "settlement tx hash of a transfer made out of band")

	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(toolCmd())
	rootCmd.AddCommand(decodeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
