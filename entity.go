package repnet

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// EntityID identifies a replicated entity, 0 means none
type EntityID uint32

// EntityFlags control how an entity is replicated
type EntityFlags uint16

const (
	FlagAlwaysRelevant EntityFlags = 1 << iota
	FlagOnlyRelevantToOwner
	FlagUseOwnerRelevancy
	FlagHidden
	FlagCollisionEnabled
	FlagTornOff
	FlagDormant
)

var flagNames = []struct {
	flag EntityFlags
	name string
}{
	{FlagAlwaysRelevant, "always_relevant"},
	{FlagOnlyRelevantToOwner, "only_relevant_to_owner"},
	{FlagUseOwnerRelevancy, "use_owner_relevancy"},
	{FlagHidden, "hidden"},
	{FlagCollisionEnabled, "collision_enabled"},
	{FlagTornOff, "torn_off"},
	{FlagDormant, "dormant"},
}

// Has reports whether all bits of f2 are set in f
func (f EntityFlags) Has(f2 EntityFlags) bool { return f&f2 == f2 }

func (f EntityFlags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}

	return strings.Join(names, "|")
}

// ParseEntityFlag converts the name of a single flag
func ParseEntityFlag(s string) (EntityFlags, error) {
	for _, fn := range flagNames {
		if fn.name == s {
			return fn.flag, nil
		}
	}

	return 0, fmt.Errorf("unknown entity flag %q", s)
}

// Vec3 is a position in world space
type Vec3 struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// DistSquared returns the squared distance between v and w
func (v Vec3) DistSquared(w Vec3) float64 {
	dx, dy, dz := v.X-w.X, v.Y-w.Y, v.Z-w.Z
	return dx*dx + dy*dy + dz*dz
}

// An Entity is the replication view of an application object
type Entity struct {
	ID       EntityID
	Location Vec3
	Owner    EntityID
	Flags    EntityFlags

	CullDistanceSquared float64
	Priority            float64
	// UpdateFrequency is the number of updates per second
	UpdateFrequency float64
}

// A Viewer is the point of view replication is computed for
type Viewer struct {
	ViewTarget EntityID `yaml:"view_target"`
	// RealViewer is the controller of the connection
	RealViewer EntityID `yaml:"real_viewer"`
	Pawn       EntityID `yaml:"pawn"`
	Location   Vec3     `yaml:"location"`
}

// A RelevancyOracle enumerates the entities of the world
type RelevancyOracle interface {
	// Entities returns all entities in a stable order
	Entities() []*Entity
	Entity(id EntityID) (*Entity, bool)
}

// StaticOracle is a RelevancyOracle backed by a fixed entity list,
// it is safe for concurrent use
type StaticOracle struct {
	mu       sync.RWMutex
	entities []*Entity
	byID     map[EntityID]*Entity
}

// NewStaticOracle returns a StaticOracle holding entities in order
func NewStaticOracle(entities ...*Entity) *StaticOracle {
	o := &StaticOracle{byID: make(map[EntityID]*Entity)}
	for _, e := range entities {
		o.Set(e)
	}

	return o
}

// Entities returns a snapshot of the entity list
func (o *StaticOracle) Entities() []*Entity {
	o.mu.RLock()
	defer o.mu.RUnlock()

	r := make([]*Entity, len(o.entities))
	copy(r, o.entities)
	return r
}

// Entity returns the entity with the given id
func (o *StaticOracle) Entity(id EntityID) (*Entity, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	e, ok := o.byID[id]
	return e, ok
}

// Set adds e or replaces the entity with the same id in place
func (o *StaticOracle) Set(e *Entity) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.byID[e.ID]; ok {
		for i, old := range o.entities {
			if old.ID == e.ID {
				o.entities[i] = e
				break
			}
		}
	} else {
		o.entities = append(o.entities, e)
	}

	o.byID[e.ID] = e
}

// Remove deletes the entity with the given id
func (o *StaticOracle) Remove(id EntityID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.byID[id]; !ok {
		return
	}
	delete(o.byID, id)

	for i, e := range o.entities {
		if e.ID == id {
			o.entities = append(o.entities[:i], o.entities[i+1:]...)
			break
		}
	}
}

// A Scenario is a world description loaded from a YAML file
type Scenario struct {
	Viewer   Viewer           `yaml:"viewer"`
	Entities []ScenarioEntity `yaml:"entities"`
}

// ScenarioEntity is the file representation of an Entity
type ScenarioEntity struct {
	ID              EntityID `yaml:"id"`
	Location        Vec3     `yaml:"location"`
	Owner           EntityID `yaml:"owner"`
	Flags           []string `yaml:"flags"`
	CullDistance    float64  `yaml:"cull_distance"`
	Priority        float64  `yaml:"priority"`
	UpdateFrequency float64  `yaml:"update_frequency"`
}

// Entity converts the file representation
func (se ScenarioEntity) Entity() (*Entity, error) {
	e := &Entity{
		ID:                  se.ID,
		Location:            se.Location,
		Owner:               se.Owner,
		CullDistanceSquared: se.CullDistance * se.CullDistance,
		Priority:            se.Priority,
		UpdateFrequency:     se.UpdateFrequency,
	}

	for _, name := range se.Flags {
		f, err := ParseEntityFlag(name)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", se.ID, err)
		}

		e.Flags |= f
	}

	if e.Priority == 0 {
		e.Priority = 1
	}
	if e.UpdateFrequency == 0 {
		e.UpdateFrequency = 10
	}

	return e, nil
}

// ParseScenario decodes a YAML scenario
func ParseScenario(data []byte) (*Scenario, *StaticOracle, error) {
	s := &Scenario{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, nil, err
	}

	o := NewStaticOracle()
	for _, se := range s.Entities {
		if se.ID == 0 {
			return nil, nil, fmt.Errorf("entity without id")
		}

		e, err := se.Entity()
		if err != nil {
			return nil, nil, err
		}

		o.Set(e)
	}

	return s, o, nil
}

// LoadScenario reads a YAML scenario file
func LoadScenario(path string) (*Scenario, *StaticOracle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	return ParseScenario(data)
}
