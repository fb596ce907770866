package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/siddimore/mcp-paywall/pkg/cashu"
	"github.com/siddimore/mcp-paywall/pkg/paywall"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with claimed Cashu tokens",
	}
	cmd.AddCommand(newTokenInspectCmd())
	cmd.AddCommand(newTokenUnsealCmd(root))
	return cmd
}

func newTokenInspectCmd() *cobra.Command {
	out := &outputOptions{}
	cmd := &cobra.Command{
		Use:   "inspect <cashuB...|->",
		Short: "Decode a cashuB token and summarize its proofs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			encoded := args[0]
			if encoded == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				encoded = string(data)
			}
			token, err := cashu.DecodeToken(strings.TrimSpace(encoded))
			if err != nil {
				return err
			}
			if out.json {
				return writeJSON(cmd.OutOrStdout(), token)
			}
			printToken(cmd.OutOrStdout(), token)
			return nil
		},
	}
	out.AddFlags(cmd.Flags())
	return cmd
}

type unsealOptions struct {
	identityPath string
}

func (o *unsealOptions) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&o.identityPath, "identity", "i", "", "age identity file (AGE-SECRET-KEY-1...)")
}

func newTokenUnsealCmd(root *rootOptions) *cobra.Command {
	opts := &unsealOptions{}
	cmd := &cobra.Command{
		Use:   "unseal <quote-id>",
		Short: "Print the claimed token of a paid quote, decrypting it if sealed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			record, err := a.store.ByQuoteID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if record.ClaimedToken == "" {
				if record.ClaimError != "" {
					return fmt.Errorf("quote %s: claim rejected: %s", record.QuoteID, record.ClaimError)
				}
				return fmt.Errorf("quote %s has no claimed token", record.QuoteID)
			}

			var identities []age.Identity
			if paywall.IsSealed(record.ClaimedToken) {
				identities, err = readIdentities(opts.identityPath)
				if err != nil {
					return err
				}
			}
			token, err := paywall.Unseal(record.ClaimedToken, identities...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

func readIdentities(path string) ([]age.Identity, error) {
	if path == "" {
		return nil, errors.New("token is sealed: --identity is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return identities, nil
}

func printToken(w io.Writer, token *cashu.Token) {
	fmt.Fprintf(w, "Mint:    %s\n", token.Mint)
	fmt.Fprintf(w, "Unit:    %s\n", token.Unit)
	fmt.Fprintf(w, "Amount:  %d\n", token.Amount())
	if token.Memo != "" {
		fmt.Fprintf(w, "Memo:    %s\n", token.Memo)
	}
	fmt.Fprintf(w, "Proofs:  %d\n", len(token.Proofs))
	for _, proof := range token.Proofs {
		dleq := "no"
		if proof.DLEQ != nil {
			dleq = "yes"
		}
		fmt.Fprintf(w, "  %-8d keyset %s  dleq %s\n", proof.Amount, proof.ID, dleq)
	}
}
