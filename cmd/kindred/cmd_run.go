package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kindred/internal/engine"
	"kindred/internal/logging"
)

var runPersonaID string

var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Process one message through the extraction pipeline",
	Long: `Enqueues a message scan for the given persona and drains the queue
to completion, including any follow-up extraction steps the scan spawns.
Changes held for a reviewer are prompted for approval before exit.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMessage,
}

func init() {
	runCmd.Flags().StringVarP(&runPersonaID, "persona", "p", "", "persona the message belongs to (required)")
	_ = runCmd.MarkFlagRequired("persona")
}

func runMessage(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if _, ok := rt.state.GetPersona(runPersonaID); !ok {
		return fmt.Errorf("unknown persona %q", runPersonaID)
	}

	message := strings.Join(args, " ")
	item := rt.extraction.NewMessageItem(runPersonaID, message)
	id, err := rt.orch.Enqueue(item)
	if err != nil {
		return err
	}
	logging.Get(logging.CategoryBoot).Infof("enqueued message scan %s", id)

	drainQueue(cmd.Context(), rt)
	resolveHolds(cmd.Context(), rt)

	metrics := rt.queue.Metrics()
	fmt.Printf("Done: %d completed, %d failed, %d held for review\n",
		metrics.TotalDone, metrics.TotalFailed, metrics.HeldCount)
	return nil
}

// resolveHolds walks pending validation holds and asks for a decision on
// each. Approvals re-enter the queue, so the drain loop runs again after
// every pass until no holds remain or the operator declines them all.
func resolveHolds(ctx context.Context, rt *runtime) {
	for {
		holds := rt.queue.DrainValidations()
		if len(holds) == 0 {
			return
		}
		resolvedAny := false
		for _, h := range holds {
			fmt.Printf("\nHeld for review (%s): %s\n", h.Reviewer, h.Reason)
			fmt.Printf("  item %s, step %s\n", h.Item.ID, h.Item.NextStep)
			fmt.Print("Approve? [y/N] ")
			var answer string
			_, _ = fmt.Scanln(&answer)

			decision := engine.ValidationDecision{Action: engine.ValidationReject, Note: "declined at CLI"}
			if strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes") {
				decision = engine.ValidationDecision{Action: engine.ValidationApprove}
			}
			if err := rt.queue.ResolveValidation(h.Item.ID, decision); err != nil {
				fmt.Printf("  resolve failed: %v\n", err)
				continue
			}
			if decision.Action == engine.ValidationApprove {
				resolvedAny = true
			}
		}
		if !resolvedAny {
			return
		}
		drainQueue(ctx, rt)
	}
}

// drainQueue drives until the queue stays empty. Backed-off retries make
// Depth nonzero while PeekNext yields nothing, so poll until the window
// opens rather than treating the first idle pass as done.
func drainQueue(ctx context.Context, rt *runtime) {
	for ctx.Err() == nil {
		rt.orch.Drive(ctx)
		if rt.queue.Depth() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}
