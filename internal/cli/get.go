package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zeusync/worldstore/internal/core/models"
)

func NewGetCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <id>...",
		Short:         "Print entities with their versions",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), root.Timeout)
			defer cancel()

			c, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			out := printer{format: root.Format, w: cmd.OutOrStdout()}
			for _, id := range ids {
				version, e, err := c.GetWithVersion(ctx, id)
				if err != nil {
					return fmt.Errorf("get %s: %w", id, err)
				}
				doc, err := newEntityDoc(id, version, e)
				if err != nil {
					return err
				}
				if err := out.print(doc, entityText(doc, e)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func parseIDs(args []string) ([]models.EntityID, error) {
	ids := make([]models.EntityID, 0, len(args))
	for _, arg := range args {
		id, err := models.ParseEntityID(arg)
		if err != nil {
			return nil, usageError("invalid entity id %q: %v", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func entityText(doc entityDoc, e *models.Entity) string {
	if e == nil {
		return fmt.Sprintf("%s v%d absent", doc.ID, doc.Version)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s v%d", doc.ID, doc.Version)
	for _, cid := range e.ComponentIDs() {
		key := componentKey(cid)
		fmt.Fprintf(&b, " %s=%s", key, doc.Components[key])
	}
	return b.String()
}
