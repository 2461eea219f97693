package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"
)

// seedFile is the on-disk layout for development agent seeds.
type seedFile struct {
	Agents []types.Agent `yaml:"agents"`
}

// Seed upserts the agents defined in the YAML file at path. It is meant for
// development and first-boot bootstrap; a missing file is not an error and
// seeds nothing.
func Seed(ctx context.Context, st store.AgentStore, path string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("agent seed file absent, skipping", "path", path)
			return 0, nil
		}
		return 0, fmt.Errorf("agent: read seed file: %w", err)
	}
	return seedFromReader(ctx, st, bytes.NewReader(raw), logger)
}

func seedFromReader(ctx context.Context, st store.AgentStore, r io.Reader, logger *slog.Logger) (int, error) {
	var file seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("agent: decode seed file: %w", err)
	}

	now := time.Now().UTC()
	count := 0
	for i := range file.Agents {
		a := file.Agents[i]
		if a.ID == "" {
			return count, fmt.Errorf("agent: seed entry %d: id is required", i)
		}
		if a.Persona == "" {
			return count, fmt.Errorf("agent: seed entry %d (%s): persona is required", i, a.ID)
		}
		a.CreatedAt = now
		a.UpdatedAt = now
		if err := st.UpsertAgent(ctx, &a); err != nil {
			return count, fmt.Errorf("agent: seed %s: %w", a.ID, err)
		}
		logger.Info("seeded agent", "agent_id", a.ID, "name", a.Name, "active", a.Active)
		count++
	}
	return count, nil
}
