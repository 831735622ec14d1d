package main

import (
	"fmt"

	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/spf13/cobra"
)

func newDeriveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Print program-derived addresses",
		Long: `Print the address and bump of a derived account.

Examples:
  settlementd derive marketplace bazaar
  settlementd derive treasury <marketplace>
  settlementd derive listing <marketplace> <mint>
  settlementd derive holding <owner> <mint>`,
	}

	cmd.AddCommand(
		deriveSubCmd("marketplace <name>", "Marketplace account", 1, func(a []string) [][]byte {
			return custody.MarketplaceSeeds(a[0])
		}),
		deriveSubCmd("treasury <marketplace>", "Marketplace fee treasury", 1, func(a []string) [][]byte {
			return custody.TreasurySeeds(a[0])
		}),
		deriveSubCmd("listing <marketplace> <mint>", "Listing record and vault authority", 2, func(a []string) [][]byte {
			return custody.ListingSeeds(a[0], a[1])
		}),
		deriveSubCmd("holding <owner> <mint>", "Associated holding of owner for mint", 2, func(a []string) [][]byte {
			return custody.HoldingSeeds(a[0], a[1])
		}),
	)

	return cmd
}

func deriveSubCmd(use, short string, nargs int, seeds func(args []string) [][]byte) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, bump, err := custody.FindAddress(seeds(args))
			if err != nil {
				return fmt.Errorf("derive: %w", err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", addr, bump)

			return err
		},
	}
}
