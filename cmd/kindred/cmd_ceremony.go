package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var ceremonyCmd = &cobra.Command{
	Use:   "ceremony",
	Short: "Run a full ceremony cycle now",
	Long: `Triggers the nightly maintenance ceremony immediately and drains it
to completion: exposure, decay, and expire for every eligible persona, the
explore phase where topic memory runs thin, and the closing cross-persona
pass. A cycle already in progress is resumed, not restarted.`,
	RunE: runCeremony,
}

func runCeremony(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	before, err := rt.store.LastCycleAt()
	if err != nil {
		return err
	}

	busy, err := rt.scheduler.InProgress()
	if err != nil {
		return err
	}
	if busy {
		if err := rt.scheduler.Resume(); err != nil {
			return err
		}
		fmt.Println("Resuming interrupted ceremony cycle")
	} else {
		if err := rt.scheduler.TriggerCycle(); err != nil {
			return err
		}
	}

	drainQueue(cmd.Context(), rt)

	last, err := rt.store.LastCycleAt()
	if err != nil {
		return err
	}
	if !last.After(before) {
		fmt.Println("No ceremony cycle completed (no eligible personas, or work is held)")
		return nil
	}
	fmt.Printf("Ceremony cycle completed at %s\n", last.Local().Format("2006-01-02 15:04:05"))
	return nil
}
