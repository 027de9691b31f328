package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lidadreamer/ML-tornado/db"
)

var modelsJSON bool

// ModelsCmd lists the registry without loading model blobs.
var ModelsCmd = &cobra.Command{
	Use:     "models",
	Aliases: []string{"ls"},
	Short:   "List the models stored in the registry",
	RunE:    runModels,
}

func init() {
	ModelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "print JSON instead of a table")
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Close()

	database, err := db.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN, log.Named("db"))
	if err != nil {
		return err
	}
	defer database.Close()

	infos, err := db.NewModelStore(database, cfg.Database.Driver).Describe(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if modelsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "no models stored")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DSID\tCLASSIFIER\tRESUB ACCURACY\tTRAINED AT")
	for _, info := range infos {
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%s\n", info.DSID, info.Kind, info.Accuracy, info.TrainedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
