// Package presets seeds agents from an optional YAML file so fresh
// deployments start with a useful roster.
package presets

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/common/logger"
)

// Preset describes one agent to seed.
type Preset struct {
	Name               string   `yaml:"name"`
	SystemInstructions string   `yaml:"system_instructions"`
	TaskInstructions   string   `yaml:"task_instructions"`
	Model              string   `yaml:"model"`
	Temperature        float64  `yaml:"temperature"`
	Schedule           string   `yaml:"schedule"`
	AllowedTools       []string `yaml:"allowed_tools"`
}

type presetFile struct {
	Agents []Preset `yaml:"agents"`
}

// Load reads presets from a YAML file.
func Load(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets file: %w", err)
	}
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets file: %w", err)
	}
	for i, preset := range file.Agents {
		if preset.Name == "" {
			return nil, fmt.Errorf("preset %d has no name", i)
		}
	}
	return file.Agents, nil
}

// Seed creates the preset agents that do not exist yet, matching by
// name within the owner's roster. Returns the number created.
func Seed(ctx context.Context, repo repository.Repository, ownerID string, presets []Preset, log *logger.Logger) (int, error) {
	existing, err := repo.ListAgents(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	byName := make(map[string]bool, len(existing))
	for _, agent := range existing {
		byName[agent.Name] = true
	}

	created := 0
	for _, preset := range presets {
		if byName[preset.Name] {
			continue
		}
		agent := &models.Agent{
			OwnerID:            ownerID,
			Name:               preset.Name,
			SystemInstructions: preset.SystemInstructions,
			TaskInstructions:   preset.TaskInstructions,
			Model:              preset.Model,
			Temperature:        preset.Temperature,
			AllowedTools:       preset.AllowedTools,
		}
		if preset.Schedule != "" {
			schedule := preset.Schedule
			agent.Schedule = &schedule
		}
		if err := repo.CreateAgent(ctx, agent); err != nil {
			return created, fmt.Errorf("seed agent %q: %w", preset.Name, err)
		}
		log.Info("Seeded preset agent",
			zap.String("name", preset.Name),
			zap.String("agent_id", agent.ID))
		created++
	}
	return created, nil
}
