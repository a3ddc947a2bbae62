package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/world"
)

type applyResultDoc struct {
	Cursor   string            `json:"cursor,omitempty"`
	Versions map[string]uint64 `json:"versions"`
}

func NewApplyCommand(root *RootOptions) *cobra.Command {
	var (
		changes string
		retry   bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a transaction",
		Long: `Apply a transaction read from --changes or stdin. The document has the form

  {"iffs": [{"id": 1, "version": 3}],
   "changes": [
     {"kind": "create", "id": 1, "set": {"label": {"Text": "a"}}},
     {"kind": "update", "id": 2, "set": {"iced": {}}, "clear": ["label"]},
     {"kind": "delete", "id": 3}]}

Components are keyed by name.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if changes != "" {
				r = strings.NewReader(changes)
			}
			tx, err := readTransaction(r)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), root.Timeout)
			defer cancel()
			c, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			var res models.ApplyResult
			if retry {
				// A fixed document fails its iffs the same way every time, so
				// only outages are worth retrying.
				policy := world.DefaultRetryPolicy()
				policy.MaxAttempts = 1
				res, err = world.ApplyWithRetry(ctx, c, func(context.Context) (models.ChangeToApply, error) {
					return tx, nil
				}, policy)
			} else {
				res, err = c.Apply(ctx, tx)
			}
			if err != nil {
				return err
			}
			doc := applyResultDoc{Cursor: res.Cursor, Versions: make(map[string]uint64, len(res.Versions))}
			var text strings.Builder
			text.WriteString("applied")
			if res.Cursor != "" {
				fmt.Fprintf(&text, " at %s", res.Cursor)
			}
			for _, id := range slices.Sorted(maps.Keys(res.Versions)) {
				doc.Versions[id.String()] = res.Versions[id]
				fmt.Fprintf(&text, "\n%s v%d", id, res.Versions[id])
			}
			return printer{format: root.Format, w: cmd.OutOrStdout()}.print(doc, text.String())
		},
	}

	cmd.Flags().StringVar(&changes, "changes", "", "transaction document, read from stdin when empty")
	cmd.Flags().BoolVar(&retry, "retry", false, "retry while the store is unavailable")

	return cmd
}
