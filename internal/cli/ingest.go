package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattdepillis/healthos/internal/domain"
)

var ingestRoute string

type ingestReceipt struct {
	Status        string `json:"status"`
	StoredEventID string `json:"stored_event_id"`
	Workouts      int    `json:"workouts"`
	Metrics       int    `json:"metrics"`
	Duplicate     bool   `json:"duplicate"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE",
	Short: "Ingest a submission file (- reads stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		route, ok := domain.RouteByName(strings.TrimSpace(ingestRoute))
		if !ok {
			return fmt.Errorf("--route must be healthkit or manual")
		}
		raw, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}

		return withService(cmd.Context(), func(svc *domain.Service) error {
			receipt, err := svc.Ingest(cmd.Context(), raw, route)
			if err != nil {
				var validationErr *domain.ValidationError
				if errors.As(err, &validationErr) {
					for _, fe := range validationErr.Fields {
						fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", fe.Field, fe.Msg)
					}
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), ingestReceipt{
				Status:        "ok",
				StoredEventID: receipt.EventID,
				Workouts:      receipt.Workouts,
				Metrics:       receipt.Metrics,
				Duplicate:     receipt.Duplicate,
			})
		})
	},
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read submission: %w", err)
	}
	return raw, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestRoute, "route", domain.RouteHealthKit.Name, "Ingestion route: healthkit|manual")
	rootCmd.AddCommand(ingestCmd)
}
