package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/config"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/store"
)

// InspectOptions holds flags for the inspect commands
type InspectOptions struct {
	*RootOptions
	RedisURL string
	Limit    int
}

func newInspectCommand(root *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read indexed memos and indexer state from Redis",
		Long: `Read-only queries against the indexer's Redis keyspace.

Examples:
  memo-indexer inspect memo <account>
  memo-indexer inspect author <owner>
  memo-indexer inspect recent --limit 50
  memo-indexer inspect status`,
	}
	cmd.PersistentFlags().StringVar(&opts.RedisURL, "redis-url", "", "Redis URL (defaults to REDIS_URL or the config file)")

	cmd.AddCommand(&cobra.Command{
		Use:   "memo <account>",
		Short: "Show one memo record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, st *store.MemoStore) error {
				memo, err := st.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if memo == nil {
					return fmt.Errorf("memo %s not found", args[0])
				}
				return writeJSON(cmd.OutOrStdout(), memo)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "author <owner>",
		Short: "List an author's memo accounts, highest nonce first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, st *store.MemoStore) error {
				keys, err := st.ListByAuthor(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), keys)
			})
		},
	})

	recent := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent memo accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, st *store.MemoStore) error {
				keys, err := st.ListRecent(ctx, opts.Limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), keys)
			})
		},
	}
	recent.Flags().IntVar(&opts.Limit, "limit", store.DefaultRecentLimit, "number of entries (max 1000)")
	cmd.AddCommand(recent)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the cursor and indexing stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, st *store.MemoStore) error {
				cursor, err := st.GetCursor(ctx)
				if err != nil {
					return err
				}
				stats, err := st.GetStats(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), struct {
					Cursor store.Cursor `json:"cursor"`
					Stats  store.Stats  `json:"stats"`
				}{cursor, stats})
			})
		},
	})

	return cmd
}

func withStore(ctx context.Context, opts *InspectOptions, fn func(context.Context, *store.MemoStore) error) error {
	url := opts.RedisURL
	if url == "" {
		cfg, err := config.Load(opts.ConfigPath)
		if err != nil {
			return err
		}
		url = cfg.RedisURL
	}

	st, err := store.Open(url, logging.NewNop(), store.Options{})
	if err != nil {
		return err
	}
	defer st.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, st)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
