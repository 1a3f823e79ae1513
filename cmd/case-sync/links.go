package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"case-sync/syncer"
)

var (
	linksState string
	linksJSON  bool
)

var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "List case/ticket linkages",
	Long: `List linkages recorded in the local database.

Examples:
  case-sync links                 # all linkages
  case-sync links --state open    # only open ones
  case-sync links --json`,
	RunE: runLinks,
}

func init() {
	linksCmd.Flags().StringVar(&linksState, "state", "", "Filter by state (open, closed)")
	linksCmd.Flags().BoolVar(&linksJSON, "json", false, "Output in JSON format")
}

func runLinks(cmd *cobra.Command, args []string) error {
	switch linksState {
	case "", syncer.StateOpen, syncer.StateClosed:
	default:
		return fmt.Errorf("invalid --state %q (want open or closed)", linksState)
	}
	fileCfg, err := loadFileConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(fileCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	links, err := store.List(cmd.Context(), linksState)
	if err != nil {
		return err
	}
	if linksJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(links)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CASE ID\tCASE NUMBER\tTICKET ID\tSTATE\tLAST SYNCED\tCREATED")
	for _, l := range links {
		synced := "-"
		if l.LastSyncedTS > 0 {
			synced = time.UnixMilli(l.LastSyncedTS).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.CaseID, l.CaseNumber, l.TicketID, l.State, synced, l.CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}
