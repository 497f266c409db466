// Package prompt renders the system prompt sent at the start of every
// conversation. Templates use Go's text/template syntax with a small set
// of home-automation helpers; see [Renderer.Render] for the function list.
package prompt

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// UnassignedAreaName labels the group of entities that belong to no area.
const UnassignedAreaName = "Unassigned"

// Entity is one exposed entity as seen by the prompt.
type Entity struct {
	ID      string
	Name    string
	State   string
	Aliases []string
}

// Area groups the exposed entities assigned to one area.
type Area struct {
	ID       string
	Name     string
	Entities []Entity
}

// Snapshot is a read-only view of the exposed entities, grouped by area.
// Areas are sorted by id, with the unassigned group (id "") last.
type Snapshot struct {
	Areas []Area
}

// Area returns the area with the given id.
func (s Snapshot) Area(id string) (Area, bool) {
	for _, a := range s.Areas {
		if a.ID == id {
			return a, true
		}
	}
	return Area{}, false
}

// Entity returns the entity with the given id from any area.
func (s Snapshot) Entity(id string) (Entity, bool) {
	for _, a := range s.Areas {
		for _, e := range a.Entities {
			if e.ID == id {
				return e, true
			}
		}
	}
	return Entity{}, false
}

// Len returns the total number of entities.
func (s Snapshot) Len() int {
	n := 0
	for _, a := range s.Areas {
		n += len(a.Entities)
	}
	return n
}

// Placement is an entity together with the area it belongs to. An empty
// AreaID means the entity is unassigned.
type Placement struct {
	AreaID string
	Entity Entity
}

// BuildSnapshot groups placements into areas. areaNames maps area ids to
// display names; ids missing from it are shown by id. Entities keep their
// input order within an area.
func BuildSnapshot(areaNames map[string]string, placements []Placement) Snapshot {
	byArea := make(map[string][]Entity)
	var order []string
	for _, p := range placements {
		if _, seen := byArea[p.AreaID]; !seen {
			order = append(order, p.AreaID)
		}
		byArea[p.AreaID] = append(byArea[p.AreaID], p.Entity)
	}

	sort.Slice(order, func(i, j int) bool {
		// The unassigned group sorts after every named area.
		switch {
		case order[i] == "":
			return false
		case order[j] == "":
			return true
		}
		return order[i] < order[j]
	})

	snap := Snapshot{Areas: make([]Area, 0, len(order))}
	for _, id := range order {
		name := UnassignedAreaName
		if id != "" {
			name = areaNames[id]
			if name == "" {
				name = id
			}
		}
		snap.Areas = append(snap.Areas, Area{ID: id, Name: name, Entities: byArea[id]})
	}
	return snap
}

// Environment is everything the host knows about the home that feeds a
// prompt: the location name, the requesting device's area, and the
// exposed entities.
type Environment struct {
	LocationName string
	AreaID       string
	AreaName     string
	Snapshot     Snapshot
}

// SnapshotProvider fetches a fresh Environment. deviceID identifies the
// requesting device and may be empty.
type SnapshotProvider interface {
	Fetch(ctx context.Context, deviceID string) (Environment, error)
}

// Static is a SnapshotProvider that always returns the same Environment.
// It serves deployments without a home-automation connection.
type Static Environment

// Fetch returns the static environment.
func (s Static) Fetch(context.Context, string) (Environment, error) {
	return Environment(s), nil
}

// Context is the data a template is executed against.
type Context struct {
	Now          time.Time
	LocationName string
	DeviceID     string
	AreaID       string
	AreaName     string
	Language     string
	Snapshot     Snapshot
}

// NewContext assembles a render context for one request.
func NewContext(env Environment, deviceID, language string, now time.Time) Context {
	return Context{
		Now:          now,
		LocationName: env.LocationName,
		DeviceID:     deviceID,
		AreaID:       env.AreaID,
		AreaName:     env.AreaName,
		Language:     language,
		Snapshot:     env.Snapshot,
	}
}

// RenderError reports a template that could not be rendered, or an
// environment that could not be fetched for it.
type RenderError struct {
	Stage string // "fetch", "parse" or "execute"
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render prompt (%s): %v", e.Stage, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
