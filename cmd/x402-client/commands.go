package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/ethclient"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	x402 "github.com/shieldpay/x402"
	x402http "github.com/shieldpay/x402/http"
	"github.com/shieldpay/x402/mcp"
	evmsigner "github.com/shieldpay/x402/signers/evm"
)

// payer is a proof provider with the address it pays from
type payer struct {
	provider x402.ProofProvider
	address  string
}

// newPayer builds the EVM signer described by the persistent flags
func newPayer(cmd *cobra.Command) (payer, error) {
	flags := cmd.Flags()
	key, _ := flags.GetString("private-key")
	rpcURL, _ := flags.GetString("rpc-url")
	chainID, _ := flags.GetInt64("chain-id")
	txHash, _ := flags.GetString("tx-hash")

	if key == "" {
		return payer{}, errors.New("a private key is required (--private-key or X402_PRIVATE_KEY)")
	}

	var opts []evmsigner.SignerOption
	if rpcURL != "" && txHash == "" {
		client, err := ethclient.DialContext(cmd.Context(), rpcURL)
		if err != nil {
			return payer{}, fmt.Errorf("dial %s: %w", rpcURL, err)
		}
		id := big.NewInt(chainID)
		if chainID == 0 {
			if id, err = client.ChainID(cmd.Context()); err != nil {
				return payer{}, fmt.Errorf("query chain id: %w", err)
			}
		}
		opts = append(opts, evmsigner.WithTransfer(client, id))
	}

	signer, err := evmsigner.NewSignerFromPrivateKey(key, opts...)
	if err != nil {
		return payer{}, err
	}
	return payer{provider: withTxHash(signer, txHash), address: signer.Address()}, nil
}

// withTxHash attaches a settlement tx hash made out of band to every proof
func withTxHash(provider x402.ProofProvider, txHash string) x402.ProofProvider {
	if txHash == "" {
		return provider
	}
	return x402.ProofProviderFunc(func(ctx context.Context, req x402.ProofRequest) (x402.ProofResult, error) {
		result, err := provider.CreateProof(ctx, req)
		if err != nil {
			return result, err
		}
		result.SettlementTxHash = txHash
		return result, nil
	})
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [url]",
		Short: "GET a paywalled URL, paying its challenge once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPayer(cmd)
			if err != nil {
				return err
			}
			amount, _ := cmd.Flags().GetString("amount")

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, args[0], nil)
			if err != nil {
				return err
			}
			resp, err := x402http.PerformWithPayment(cmd.Context(), nil, req, p.provider, p.address, amount)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	return cmd
}

func printResponse(w io.Writer, resp *http.Response) error {
	fmt.Fprintf(w, "status: %s\n", resp.Status)
	if d, ok, err := x402http.SettlementFromResponse(resp); err != nil {
		fmt.Fprintf(w, "settlement: unreadable (%v)\n", err)
	} else if ok {
		fmt.Fprintf(w, "settlement: %s %s\n", d.Status, d.TxHash)
	}
	if retry := resp.Header.Get("Retry-After"); retry != "" {
		fmt.Fprintf(w, "retry-after: %ss\n", retry)
	}
	_, err := io.Copy(w, resp.Body)
	return err
}

func toolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool [endpoint] [name] [json-args]",
		Short: "Call a paid MCP tool over streamable HTTP",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPayer(cmd)
			if err != nil {
				return err
			}
			amount, _ := cmd.Flags().GetString("amount")

			var toolArgs map[string]interface{}
			if len(args) == 3 {
				if err := json.Unmarshal([]byte(args[2]), &toolArgs); err != nil {
					return fmt.Errorf("tool arguments must be a JSON object: %w", err)
				}
			}

			client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "x402-client", Version: Version}, nil)
			session, err := client.Connect(cmd.Context(), &mcpsdk.StreamableClientTransport{Endpoint: args[0]}, nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", args[0], err)
			}
			defer session.Close()

			var opts []mcp.ClientOption
			if amount != "" {
				opts = append(opts, mcp.WithPaymentAmount(amount))
			}
			result, err := mcp.NewClient(session, p.provider, p.address, opts...).CallTool(cmd.Context(), &mcpsdk.CallToolParams{
				Name:      args[1],
				Arguments: toolArgs,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if d, ok, _ := mcp.SettlementFromResult(result); ok {
				fmt.Fprintf(out, "settlement: %s %s %s\n", d.Status, d.TxHash, d.Reason)
			}
			for _, c := range result.Content {
				if text, ok := c.(*mcpsdk.TextContent); ok {
					fmt.Fprintln(out, text.Text)
				}
			}
			if result.IsError {
				return errors.New("tool call was not paid")
			}
			return nil
		},
	}
	return cmd
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [header-value]",
		Short: "Validate and pretty-print a challenge or payment header ('-' reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := args[0]
			if raw == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				raw = string(data)
			}

			var decoded interface{}
			if c, err := x402.ParseChallenge(raw); err == nil {
				decoded = map[string]interface{}{"challenge": c}
			} else if p, perr := x402.ParsePayload(raw); perr == nil {
				decoded = map[string]interface{}{"payment": p}
			} else {
				return fmt.Errorf("neither a challenge (%v) nor a payment (%v)", err, perr)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(decoded)
		},
	}
}
