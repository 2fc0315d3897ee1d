// Command sailfish-batch-cli is the Batch Inspector CLI (spec.md §4.C/§6):
// it opens one or more store directories read-only and either lists every
// batch digest found across them or fetches one batch's transactions by
// digest, trying each store in argument order.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	log "github.com/sirupsen/logrus"

	core "github.com/sailfish-node/node/core"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var jsonOut bool
	var list bool

	cmd := &cobra.Command{
		Use:   "sailfish-batch-cli [--json] (--list | <digest-hex-or-b64>) <dbpath>...",
		Short: "Inspect batches recorded in one or more sailfish stores",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var digestArg string
			dbPaths := args
			if !list {
				if len(args) < 2 {
					return fmt.Errorf("expected a digest and at least one dbpath")
				}
				digestArg = args[0]
				dbPaths = args[1:]
			}

			stores, closeAll, err := openStores(dbPaths)
			if err != nil {
				return err
			}
			defer closeAll()

			if list {
				return runList(cmd, stores, jsonOut)
			}
			return runFetch(cmd, stores, digestArg, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON")
	cmd.Flags().BoolVar(&list, "list", false, "list every batch digest across the given stores")
	return cmd
}

func openStores(paths []string) ([]*core.Store, func(), error) {
	lg := log.New()
	lg.SetLevel(log.ErrorLevel)

	stores := make([]*core.Store, 0, len(paths))
	closeAll := func() {
		for _, s := range stores {
			s.Close()
		}
	}
	for _, p := range paths {
		s, err := core.NewReadOnlyStore(p, lg, nil)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("open store %s: %w", p, err)
		}
		stores = append(stores, s)
	}
	return stores, closeAll, nil
}

func runList(cmd *cobra.Command, stores []*core.Store, jsonOut bool) error {
	digests, err := core.ListBatchDigests(stores)
	if err != nil {
		return err
	}

	if jsonOut {
		out := make([]string, len(digests))
		for i, d := range digests {
			out[i] = d.String()
		}
		return printJSON(cmd, out)
	}
	for _, d := range digests {
		fmt.Fprintln(cmd.OutOrStdout(), d.String())
	}
	return nil
}

func runFetch(cmd *cobra.Command, stores []*core.Store, digestArg string, jsonOut bool) error {
	digest, err := core.ParseDigest(digestArg)
	if err != nil {
		return err
	}
	txs, err := core.FetchBatch(stores, digest)
	if err != nil {
		return err
	}

	hexTxs := make([]string, len(txs))
	for i, tx := range txs {
		hexTxs[i] = hex.EncodeToString(tx)
	}

	if jsonOut {
		return printJSON(cmd, struct {
			Digest       string   `json:"digest"`
			Transactions []string `json:"transactions"`
		}{Digest: digest.String(), Transactions: hexTxs})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Batch Digest = %s\n", digest.String())
	for i, tx := range hexTxs {
		fmt.Fprintf(cmd.OutOrStdout(), "  Tx %d: 0x%s\n", i, tx)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
