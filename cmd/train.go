package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lidadreamer/ML-tornado/errors"
	"github.com/lidadreamer/ML-tornado/ml"
)

var (
	trainDSID       int64
	trainClassifier int
)

// TrainCmd retrains one dataset outside the server. The model is written to
// the registry, so a running or later server picks it up on hydration.
var TrainCmd = &cobra.Command{
	Use:   "train",
	Short: "Retrain one dataset and print its resubstitution accuracy",
	RunE:  runTrain,
}

func init() {
	TrainCmd.Flags().Int64Var(&trainDSID, "dsid", 0, "dataset id")
	TrainCmd.Flags().IntVar(&trainClassifier, "classifier", int(ml.DefaultKind), "classifier code (0=knn, 1=svc, 2=tree)")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Close()

	rt, err := newRuntime(cmd.Context(), cfg, log.SugaredLogger)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.coordinator.RequestUpdate(cmd.Context(), trainDSID, ml.Kind(trainClassifier))
	if err != nil {
		return errors.Wrapf(err, "train dataset %d", trainDSID)
	}
	if res.Skipped {
		fmt.Fprintf(cmd.OutOrStdout(), "dataset %d has no labeled instances, nothing trained\n", trainDSID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "dataset %d: %s on %d samples, resubstitution accuracy %.4f\n",
		trainDSID, ml.Kind(trainClassifier), res.Samples, res.Accuracy)
	return nil
}
