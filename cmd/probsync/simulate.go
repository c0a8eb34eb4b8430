package main

import (
	"fmt"
	"os"

	"github.com/SecondOrder-fun/probsync/config"
	"github.com/SecondOrder-fun/probsync/internal/application/sim"
)

// runSimulation replays the default trade script against every curve family
// seeded with the configured activation funding. Entirely offline: no chain,
// no store.
func runSimulation(cfg *config.Config) error {
	funding := cfg.ActivationFunding()

	rep, err := sim.Run(funding, sim.DefaultScript(funding))
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	sim.Render(os.Stdout, rep)
	return nil
}
