package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/cli"
	"github.com/tendermint/chainsync/types"
)

// ChainSummary is the persisted state of one network as read by inspect.
type ChainSummary struct {
	ChainID      types.ChainID      `json:"chain_id"`
	Height       int64              `json:"height"`
	Tip          string             `json:"tip"`
	StoredBlocks int64              `json:"stored_blocks"`
	Params       *types.ChainParams `json:"params,omitempty"`
}

// MakeInspectCommand returns the command that prints the persisted state of
// every configured network. The node must not be running.
func MakeInspectCommand(conf *config.Config) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted chain state of every configured network",
		Long: `inspect opens the block store and chain state databases of each
network listed in chain-ids and prints the master chain height and tip, the
number of stored block bodies and the persisted chain params.

The databases are opened directly, so the node must be stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries := make([]ChainSummary, 0, len(conf.Chains()))
			for _, id := range conf.Chains() {
				s, err := InspectChain(conf, config.DefaultDBProvider, id)
				if err != nil {
					return err
				}
				summaries = append(summaries, s)
			}
			return printSummaries(cmd.OutOrStdout(), output, summaries)
		},
	}
	cmd.Flags().StringVar(&output, cli.OutputFlag, "text", "output format: text | json")
	return cmd
}

// InspectChain reads the persisted state of network id.
func InspectChain(conf *config.Config, dbProvider config.DBProvider, id types.ChainID) (ChainSummary, error) {
	summary := ChainSummary{ChainID: id}

	blockDB, err := dbProvider(config.ChainDBContext(conf, config.BlockStoreDB, id))
	if err != nil {
		return summary, err
	}
	blockStore, err := store.NewBlockStore(blockDB)
	if err != nil {
		_ = blockDB.Close()
		return summary, fmt.Errorf("opening block store of chain %v: %w", id, err)
	}
	defer blockStore.Close()

	stateDB, err := dbProvider(config.ChainDBContext(conf, config.ChainStateDB, id))
	if err != nil {
		return summary, err
	}
	paramStore := store.NewParamStore(stateDB)
	defer paramStore.Close()

	if summary.StoredBlocks, err = blockStore.Count(); err != nil {
		return summary, err
	}

	height, tip, err := paramStore.LoadLatest()
	if err != nil {
		return summary, fmt.Errorf("loading tip of chain %v: %w", id, err)
	}
	summary.Height = height
	if height > 0 {
		summary.Tip = tip.String()
	}

	params, ok, err := paramStore.LoadParams()
	if err != nil {
		return summary, fmt.Errorf("loading params of chain %v: %w", id, err)
	}
	if ok {
		summary.Params = &params
	}
	return summary, nil
}

func printSummaries(w io.Writer, output string, summaries []ChainSummary) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)

	case "text":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHAIN\tHEIGHT\tTIP\tBLOCKS\tPARAMS")
		for _, s := range summaries {
			params := "unset"
			if s.Params != nil {
				params = fmt.Sprintf("%+v", *s.Params)
			}
			tip := s.Tip
			if tip == "" {
				tip = "-"
			}
			fmt.Fprintf(tw, "%v\t%d\t%s\t%d\t%s\n", s.ChainID, s.Height, tip, s.StoredBlocks, params)
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}
