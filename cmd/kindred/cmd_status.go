package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kindred/internal/ceremony"
	"kindred/internal/config"
	"kindred/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show personas, profile, and ceremony state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	personas, err := st.LoadPersonas()
	if err != nil {
		return err
	}
	human, err := st.LoadHuman()
	if err != nil {
		return err
	}
	cursors, err := st.All()
	if err != nil {
		return err
	}
	lastCycle, err := st.LastCycleAt()
	if err != nil {
		return err
	}

	phases := make(map[string]ceremony.Phase, len(cursors))
	active := 0
	for _, c := range cursors {
		phases[c.PersonaID] = c.Phase
		if c.Phase.Active() {
			active++
		}
	}

	fmt.Printf("Personas: %d\n", len(personas))
	for _, p := range personas {
		flags := ""
		if p.Paused {
			flags += " [paused]"
		}
		if p.Archived {
			flags += " [archived]"
		}
		if p.Reviewer {
			flags += " [reviewer]"
		}
		fmt.Printf("  %-20s %-12s topics=%d%s\n", p.Name, p.ID, len(p.Topics), flags)
		if phase, ok := phases[p.ID]; ok && phase.Active() {
			fmt.Printf("    ceremony: %s\n", phase)
		}
	}

	fmt.Printf("\nHuman profile: %q, %d facts\n", human.Name, len(human.Facts))

	if lastCycle.IsZero() {
		fmt.Println("Ceremony: never completed")
	} else {
		fmt.Printf("Ceremony: last completed %s", lastCycle.Local().Format("2006-01-02 15:04:05"))
		if active > 0 {
			fmt.Printf(" (%d personas mid-cycle)", active)
		}
		fmt.Println()
	}
	return nil
}
