package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattdepillis/healthos/internal/domain"
	"github.com/mattdepillis/healthos/internal/persistence"
)

var (
	listUser   string
	listCursor string
	listLimit  int
)

type eventOutput struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Source        string          `json:"source"`
	SchemaVersion int             `json:"schema_version"`
	EventType     string          `json:"event_type"`
	ReceivedAt    string          `json:"received_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

var showCmd = &cobra.Command{
	Use:   "show EVENT_ID",
	Short: "Print a stored event and its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *domain.Service) error {
			ev, err := svc.GetEvent(cmd.Context(), args[0])
			if errors.Is(err, domain.ErrEventNotFound) {
				return fmt.Errorf("event %q not found", args[0])
			}
			if err != nil {
				return err
			}
			out := toOutput(*ev)
			out.Payload = json.RawMessage(ev.Payload)
			return printJSON(cmd.OutOrStdout(), out)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's stored events, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listLimit < 0 {
			return fmt.Errorf("--limit must be >= 0")
		}
		cursor, err := persistence.DecodeCursor(listCursor)
		if err != nil {
			return fmt.Errorf("invalid --cursor: %w", err)
		}

		return withService(cmd.Context(), func(svc *domain.Service) error {
			evs, next, err := svc.ListEvents(cmd.Context(), listUser, cursor, listLimit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(evs) == 0 {
				fmt.Fprintln(w, "No events found")
				return nil
			}
			for _, ev := range evs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.ID, ev.ReceivedAt.UTC().Format(time.RFC3339Nano), ev.EventType, ev.UserID)
			}
			if token := persistence.EncodeCursor(next); token != "" {
				fmt.Fprintf(w, "next cursor: %s\n", token)
			}
			return nil
		})
	},
}

func toOutput(ev domain.StoredEvent) eventOutput {
	return eventOutput{
		ID:            ev.ID,
		UserID:        ev.UserID,
		Source:        string(ev.Source),
		SchemaVersion: ev.SchemaVersion,
		EventType:     ev.EventType,
		ReceivedAt:    ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
}

func init() {
	listCmd.Flags().StringVar(&listUser, "user", "", "User id (defaults to DEFAULT_USER_ID)")
	listCmd.Flags().StringVar(&listCursor, "cursor", "", "Cursor from a previous page")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Page size")

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
}
