package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_notify/internal/config"
	"github.com/austindbirch/harbor_notify/internal/stream"
)

var enqueueTimeout time.Duration

// enqueueCmd publishes task ids the way producing services do.
var enqueueCmd = &cobra.Command{
	Use:   "enqueue <task-id>...",
	Short: "Add notify task ids to the stream",
	Long: `Append one stream entry per task id to <queue.prefix>:<queue.key>.
Useful to replay a task after fixing its producer configuration.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseTaskIDs(args)
		if err != nil {
			return err
		}
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		client := newRedisClient(cfg)
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), enqueueTimeout)
		defer cancel()

		type entry struct {
			TaskID  int64  `json:"taskId"`
			EntryID string `json:"entryId"`
		}
		var added []entry
		for _, id := range ids {
			entryID, err := stream.Add(ctx, client, cfg.StreamKey(), id)
			if err != nil {
				return fmt.Errorf("enqueue task %d: %w", id, err)
			}
			added = append(added, entry{TaskID: id, EntryID: entryID})
		}

		if outputJSON {
			return printOutput(cmd.OutOrStdout(), added)
		}
		for _, e := range added {
			fmt.Fprintf(cmd.OutOrStdout(), "task %d -> %s %s\n", e.TaskID, cfg.StreamKey(), e.EntryID)
		}
		return nil
	},
}

func parseTaskIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid task id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func init() {
	enqueueCmd.Flags().DurationVar(&enqueueTimeout, "timeout", 5*time.Second, "redis timeout")
	rootCmd.AddCommand(enqueueCmd)
}
