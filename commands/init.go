package commands

import (
	"context"
	"fmt"
	"os"

	"gitdht/config"
	"gitdht/oid"

	log "github.com/sirupsen/logrus"
)

func RunInit(ctx context.Context, cfg *config.Config) {
	if _, err := os.Stat(cfg.Path()); err == nil {
		log.Fatalf("Config file %s already exists, refusing to overwrite it", cfg.Path())
	}

	if _, err := EnsureNodeID(cfg); err != nil {
		log.Fatal(err)
	}
	log.Infof("Created node %s, add repositories under [repos.<name>] in %s", cfg.Node.ID.String(), cfg.Path())
}

// EnsureNodeID gives the node a random ID and saves the config when it has none yet.
// It reports whether a new ID was generated.
func EnsureNodeID(cfg *config.Config) (bool, error) {
	if !cfg.Node.ID.IsZero() {
		return false, nil
	}

	id, err := oid.Random()
	if err != nil {
		return false, fmt.Errorf("failed to generate a node ID: %w", err)
	}
	cfg.Node.ID = id

	if err := cfg.Save(); err != nil {
		return true, fmt.Errorf("failed to save config with the new node ID: %w", err)
	}
	return true, nil
}
