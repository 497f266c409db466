package homeassistant

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ej52/hass-ollama-conversation/internal/prompt"
)

// Snapshots builds the prompt environment from a live Home Assistant
// instance: location name, exposed entities grouped by area, and the
// area of the requesting device. It implements prompt.SnapshotProvider.
type Snapshots struct {
	rest   *Client
	ws     *WSClient
	logger *slog.Logger
}

// NewSnapshots creates a snapshot provider.
func NewSnapshots(rest *Client, ws *WSClient, logger *slog.Logger) *Snapshots {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshots{rest: rest, ws: ws, logger: logger}
}

// Fetch reads the registries and states and assembles an Environment.
// Entities take their area from the entity registry, falling back to
// their device's area.
func (s *Snapshots) Fetch(ctx context.Context, deviceID string) (prompt.Environment, error) {
	var (
		cfg      *Config
		states   []State
		areas    []Area
		devices  []Device
		entities []EntityRegistryEntry
		exposed  map[string]bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		cfg, err = s.rest.GetConfig(gctx)
		if err != nil {
			return fmt.Errorf("get config: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		states, err = s.rest.GetStates(gctx)
		if err != nil {
			return fmt.Errorf("get states: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		areas, err = s.ws.GetAreaRegistry(gctx)
		return err
	})
	g.Go(func() (err error) {
		devices, err = s.ws.GetDeviceRegistry(gctx)
		return err
	})
	g.Go(func() (err error) {
		entities, err = s.ws.GetEntityRegistry(gctx)
		return err
	})
	g.Go(func() (err error) {
		exposed, err = s.ws.GetExposedEntities(gctx, ConversationAssistant)
		return err
	})
	if err := g.Wait(); err != nil {
		return prompt.Environment{}, err
	}

	env := buildEnvironment(cfg, states, areas, devices, entities, exposed, deviceID)
	s.logger.Debug("fetched environment",
		"location", env.LocationName,
		"areas", len(env.Snapshot.Areas),
		"entities", env.Snapshot.Len(),
		"device_area", env.AreaID,
	)
	return env, nil
}

func buildEnvironment(cfg *Config, states []State, areas []Area, devices []Device,
	entities []EntityRegistryEntry, exposed map[string]bool, deviceID string) prompt.Environment {

	areaNames := make(map[string]string, len(areas))
	for _, a := range areas {
		areaNames[a.AreaID] = a.Name
	}
	deviceAreas := make(map[string]string, len(devices))
	for _, d := range devices {
		deviceAreas[d.ID] = d.AreaID
	}
	registry := make(map[string]EntityRegistryEntry, len(entities))
	for _, e := range entities {
		registry[e.EntityID] = e
	}

	var placements []prompt.Placement
	for _, st := range states {
		if !exposed[st.EntityID] {
			continue
		}
		entry, known := registry[st.EntityID]
		if known && entry.IsDisabled() {
			continue
		}
		areaID := entry.AreaID
		if areaID == "" && entry.DeviceID != "" {
			areaID = deviceAreas[entry.DeviceID]
		}
		placements = append(placements, prompt.Placement{
			AreaID: areaID,
			Entity: prompt.Entity{
				ID:      st.EntityID,
				Name:    st.FriendlyName(),
				State:   st.State,
				Aliases: entry.Aliases,
			},
		})
	}

	env := prompt.Environment{Snapshot: prompt.BuildSnapshot(areaNames, placements)}
	if cfg != nil {
		env.LocationName = cfg.LocationName
	}
	if deviceID != "" {
		if areaID := deviceAreas[deviceID]; areaID != "" {
			env.AreaID = areaID
			env.AreaName = areaNames[areaID]
			if env.AreaName == "" {
				env.AreaName = areaID
			}
		}
	}
	return env
}
