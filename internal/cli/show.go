package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"intent-relayer/internal/app"
	"intent-relayer/internal/storage"
)

var (
	showLimit int
	showKind  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent settlements",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		kind, err := parseKind(showKind)
		if err != nil {
			return err
		}
		opts := app.ShowOptions{
			Limit: showLimit,
			Kind:  kind,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of settlements to display")
	showCmd.Flags().StringVar(&showKind, "kind", "", "Only display settlements of this kind (batch or fill)")
}

// parseKind validates a --kind flag value; empty means every kind.
func parseKind(raw string) (string, error) {
	switch kind := strings.ToLower(strings.TrimSpace(raw)); kind {
	case "", storage.KindBatch, storage.KindFill:
		return kind, nil
	default:
		return "", fmt.Errorf("invalid --kind %q: expected %s or %s", raw, storage.KindBatch, storage.KindFill)
	}
}
