package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/registry"
)

// SeedQueue is one queue definition in the seed file.
type SeedQueue struct {
	ID                  string `yaml:"id"`
	Name                string `yaml:"name"`
	Category            string `yaml:"category"`
	Administrator       string `yaml:"administrator"`
	SensitivityLevel    int    `yaml:"sensitivity_level"`
	SubscriptionAllowed bool   `yaml:"subscription_allowed"`
	Description         string `yaml:"description"`
}

type seedFile struct {
	Queues []SeedQueue `yaml:"queues"`
}

// LoadSeed parses the queue seed file.
func LoadSeed(path string) ([]SeedQueue, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	for i := range f.Queues {
		if f.Queues[i].ID == "" || f.Queues[i].Name == "" {
			return nil, fmt.Errorf("seed %s: queue %d needs id and name", path, i)
		}
		if f.Queues[i].SensitivityLevel < 1 {
			f.Queues[i].SensitivityLevel = 1
		}
	}
	return f.Queues, nil
}

// ApplySeed upserts seed definitions into the queue registry. Existing
// queues are updated in place so the seed file stays authoritative for
// the queues it names; queues created through the API are untouched.
func ApplySeed(ctx context.Context, queues *registry.Queues, seed []SeedQueue) error {
	for _, sq := range seed {
		q := domain.WorkQueue{
			ID:                  sq.ID,
			Name:                sq.Name,
			Category:            sq.Category,
			Administrator:       sq.Administrator,
			SensitivityLevel:    sq.SensitivityLevel,
			SubscriptionAllowed: sq.SubscriptionAllowed,
			Description:         sq.Description,
		}
		_, err := queues.Update(ctx, q)
		if errors.Is(err, domain.ErrNotFound) {
			_, err = queues.Create(ctx, q)
		}
		if err != nil {
			return fmt.Errorf("seed queue %s: %w", sq.ID, err)
		}
	}
	return nil
}

// WatchSeed reloads and reapplies the seed file whenever it changes,
// until ctx is cancelled. Editor write bursts are debounced.
func WatchSeed(ctx context.Context, path string, queues *registry.Queues) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("seed watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce = time.After(250 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", path).Msg("seed watcher error")
		case <-debounce:
			debounce = nil
			seed, err := LoadSeed(path)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("seed reload failed, keeping previous queues")
				continue
			}
			if err := ApplySeed(ctx, queues, seed); err != nil {
				log.Error().Err(err).Str("path", path).Msg("seed apply failed")
				continue
			}
			log.Info().Str("path", path).Int("queues", len(seed)).Msg("queue seed reloaded")
		}
	}
}
