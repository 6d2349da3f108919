package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/umeshrajanna/deepship-llm-worker/internal/broker/redisq"
	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
	"github.com/umeshrajanna/deepship-llm-worker/internal/routing"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind> <payload-json>",
	Short: "Enqueue a task envelope",
	Long: `Enqueue a task envelope onto the queue its kind routes to.

Examples:
  worker enqueue deep_search '{"job_id":"j1","query":"go worker pools"}'
  worker enqueue scrape_content '{"job_id":"j1","urls":["https://example.com"]}'`,
	Args: cobra.ExactArgs(2),
	RunE: runEnqueue,
}

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters <queue>",
	Short: "List dead-lettered envelopes on a queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLetters,
}

func init() {
	enqueueCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	enqueueCmd.Flags().Int("max-attempts", 3, "delivery budget for the envelope")

	deadLettersCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	deadLettersCmd.Flags().Int("limit", 20, "maximum records to list")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	kind, payload := domain.Kind(args[0]), args[1]
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	rt, err := routing.NewRouter(routing.DefaultConfig())
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
	env, err := domain.NewEnvelope(rt, kind, json.RawMessage(payload), maxAttempts)
	if err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("redis-addr")
	client := redisq.NewClient(addr)
	defer func() { _ = client.Close() }()
	b := redisq.New(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.Enqueue(ctx, env); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	fmt.Printf("enqueued %s on %s (id=%s)\n", env.Kind, env.Queue, env.ID)
	return nil
}

func runDeadLetters(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	addr, _ := cmd.Flags().GetString("redis-addr")

	client := redisq.NewClient(addr)
	defer func() { _ = client.Close() }()
	b := redisq.New(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := b.DeadLetters(ctx, args[0], limit)
	if err != nil {
		return fmt.Errorf("dead letters: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("no dead letters")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tDEAD AT\tREASON")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			r.Envelope.ID, r.Envelope.Kind,
			r.Envelope.Attempt, r.Envelope.MaxAttempts,
			r.DeadAt.Format(time.RFC3339), r.Reason)
	}
	return w.Flush()
}
