package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zeusync/worldstore/internal/core/ids"
	"github.com/zeusync/worldstore/internal/core/models"
)

func NewIDsCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ids",
		Short: "Allocate and inspect entity ids",
	}
	cmd.AddCommand(newAllocateCommand(root))
	cmd.AddCommand(newPermuteCommand(root))
	cmd.AddCommand(newUnpermuteCommand(root))
	return cmd
}

type idDoc struct {
	Sequence uint64          `json:"sequence"`
	ID       models.EntityID `json:"id"`
}

func printIDs(cmd *cobra.Command, root *RootOptions, docs []idDoc) error {
	out := printer{format: root.Format, w: cmd.OutOrStdout()}
	for _, d := range docs {
		if err := out.print(d, fmt.Sprintf("%d\t%s", d.Sequence, d.ID)); err != nil {
			return err
		}
	}
	return nil
}

func newAllocateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "allocate <n>",
		Short:         "Reserve fresh entity ids on the server",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return usageError("invalid count %q", args[0])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), root.Timeout)
			defer cancel()
			c, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			allocated, err := c.Allocate(ctx, n)
			if err != nil {
				return err
			}
			docs := make([]idDoc, 0, len(allocated))
			for _, id := range allocated {
				docs = append(docs, idDoc{Sequence: ids.Unpermute(id), ID: id})
			}
			return printIDs(cmd, root, docs)
		},
	}
}

func newPermuteCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "permute <sequence>...",
		Short:         "Map counter values to entity ids",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			docs := make([]idDoc, 0, len(args))
			for _, arg := range args {
				seq, err := strconv.ParseUint(arg, 10, 64)
				if err != nil {
					return usageError("invalid sequence %q", arg)
				}
				docs = append(docs, idDoc{Sequence: seq, ID: ids.Permute(seq)})
			}
			return printIDs(cmd, root, docs)
		},
	}
}

func newUnpermuteCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "unpermute <id>...",
		Short:         "Map entity ids back to counter values",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseIDs(args)
			if err != nil {
				return err
			}
			docs := make([]idDoc, 0, len(parsed))
			for _, id := range parsed {
				docs = append(docs, idDoc{Sequence: ids.Unpermute(id), ID: id})
			}
			return printIDs(cmd, root, docs)
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
