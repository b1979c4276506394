package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"kindred/internal/config"
	"kindred/internal/persona"
	"kindred/internal/store"
)

var (
	personaName     string
	personaTraits   []string
	personaReviewer bool
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Manage companion personas",
}

var personaAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a new persona",
	RunE:  runPersonaAdd,
}

var personaPauseCmd = &cobra.Command{
	Use:   "pause [id]",
	Short: "Pause a persona (skipped by message intake and ceremony)",
	Args:  cobra.ExactArgs(1),
	RunE:  setPersonaFlag(func(p *persona.Persona) { p.Paused = true }),
}

var personaResumeCmd = &cobra.Command{
	Use:   "resume [id]",
	Short: "Resume a paused persona",
	Args:  cobra.ExactArgs(1),
	RunE:  setPersonaFlag(func(p *persona.Persona) { p.Paused = false }),
}

var personaArchiveCmd = &cobra.Command{
	Use:   "archive [id]",
	Short: "Archive a persona permanently",
	Args:  cobra.ExactArgs(1),
	RunE:  setPersonaFlag(func(p *persona.Persona) { p.Archived = true }),
}

func init() {
	personaAddCmd.Flags().StringVarP(&personaName, "name", "n", "", "persona name (required)")
	personaAddCmd.Flags().StringSliceVarP(&personaTraits, "trait", "t", nil, "personality trait (repeatable)")
	personaAddCmd.Flags().BoolVar(&personaReviewer, "reviewer", false, "designate as reviewer for cross-persona changes")
	_ = personaAddCmd.MarkFlagRequired("name")

	personaCmd.AddCommand(personaAddCmd)
	personaCmd.AddCommand(personaPauseCmd)
	personaCmd.AddCommand(personaResumeCmd)
	personaCmd.AddCommand(personaArchiveCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Storage.DatabasePath)
}

func runPersonaAdd(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	now := time.Now()
	p := &persona.Persona{
		ID:             uuid.NewString(),
		Name:           personaName,
		Traits:         personaTraits,
		Reviewer:       personaReviewer,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := st.SavePersona(p); err != nil {
		return err
	}
	fmt.Printf("Created persona %s (%s)\n", p.Name, p.ID)
	return nil
}

func setPersonaFlag(mutate func(*persona.Persona)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		personas, err := st.LoadPersonas()
		if err != nil {
			return err
		}
		for _, p := range personas {
			if p.ID == args[0] || p.Name == args[0] {
				mutate(p)
				if err := st.SavePersona(p); err != nil {
					return err
				}
				fmt.Printf("Updated persona %s (%s)\n", p.Name, p.ID)
				return nil
			}
		}
		return fmt.Errorf("no persona matches %q", args[0])
	}
}
