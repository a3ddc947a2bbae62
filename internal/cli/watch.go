package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/world"
)

type watchOptions struct {
	AllOf         []string
	AnyOf         []string
	NoneOf        []string
	Fields        []string
	Cursor        string
	SkipBootstrap bool
	Count         int
}

type updateDoc struct {
	Cursor       world.Cursor `json:"cursor,omitempty"`
	Bootstrapped bool         `json:"bootstrapped,omitempty"`
	Reset        bool         `json:"reset,omitempty"`
	Heartbeat    uint64       `json:"heartbeat,omitempty"`
	Changes      []changeDoc  `json:"changes"`
}

func NewWatchCommand(root *RootOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream changes from a subscription",
		Long: `Subscribe to the change feed and print every update until interrupted
or --count updates were printed. Without --cursor or --skip-bootstrap the
feed starts with a snapshot of the matching entities.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}

			dialCtx, cancel := context.WithTimeout(cmd.Context(), root.Timeout)
			defer cancel()
			c, err := root.dial(dialCtx)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			sub, err := c.Subscribe(dialCtx, world.SubscribeConfig{
				Filter:        filter,
				Cursor:        world.Cursor(opts.Cursor),
				SkipBootstrap: opts.SkipBootstrap,
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Close() }()

			out := printer{format: root.Format, w: cmd.OutOrStdout()}
			for n := 0; opts.Count <= 0 || n < opts.Count; n++ {
				u, err := sub.Next(cmd.Context())
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				doc, err := newUpdateDoc(u)
				if err != nil {
					return err
				}
				if err := out.print(doc, updateText(doc)); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.AllOf, "all-of", nil, "components an entity must have")
	cmd.Flags().StringSliceVar(&opts.AnyOf, "any-of", nil, "components of which an entity needs at least one")
	cmd.Flags().StringSliceVar(&opts.NoneOf, "none-of", nil, "components an entity must not have")
	cmd.Flags().StringSliceVar(&opts.Fields, "fields", nil, "components to deliver, all when empty")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "resume from a log cursor")
	cmd.Flags().BoolVar(&opts.SkipBootstrap, "skip-bootstrap", false, "tail from now without a snapshot")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "stop after this many updates")

	return cmd
}

func componentIDs(names []string) ([]models.ComponentID, error) {
	var out []models.ComponentID
	for _, name := range names {
		cid, ok := models.ComponentIDByName(strings.TrimSpace(name))
		if !ok {
			return nil, usageError("unknown component %q", name)
		}
		out = append(out, cid)
	}
	return out, nil
}

func (o *watchOptions) filter() (models.Filter, error) {
	var (
		f   models.Filter
		err error
	)
	if f.AllOf, err = componentIDs(o.AllOf); err != nil {
		return f, err
	}
	if f.AnyOf, err = componentIDs(o.AnyOf); err != nil {
		return f, err
	}
	if f.NoneOf, err = componentIDs(o.NoneOf); err != nil {
		return f, err
	}
	f.Fields, err = componentIDs(o.Fields)
	return f, err
}

func newUpdateDoc(u world.Update) (updateDoc, error) {
	doc := updateDoc{
		Cursor:       u.Cursor,
		Bootstrapped: u.Bootstrapped,
		Reset:        u.Reset,
		Heartbeat:    u.Heartbeat,
		Changes:      make([]changeDoc, 0, len(u.Changes)),
	}
	for _, c := range u.Changes {
		if !c.IsMutation() {
			continue
		}
		cd, err := newChangeDoc(c)
		if err != nil {
			return doc, err
		}
		doc.Changes = append(doc.Changes, cd)
	}
	return doc, nil
}

func updateText(doc updateDoc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "update cursor=%s changes=%d", doc.Cursor, len(doc.Changes))
	if doc.Bootstrapped {
		b.WriteString(" bootstrapped")
	}
	if doc.Reset {
		b.WriteString(" reset")
	}
	for _, c := range doc.Changes {
		fmt.Fprintf(&b, "\n  %s %s v%d", c.Kind, c.ID, c.Version)
		for _, key := range sortedKeys(c.Set) {
			fmt.Fprintf(&b, " %s=%s", key, c.Set[key])
		}
		for _, key := range c.Clear {
			fmt.Fprintf(&b, " -%s", key)
		}
	}
	return b.String()
}
