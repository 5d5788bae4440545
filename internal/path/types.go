// Package path describes transport templates and the node lists they move
// along, and loads them from a file.
package path

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"transport-simulator/internal/geom"
)

// Action is the scripted behaviour attached to a node.
type Action uint8

const (
	ActionNone Action = iota
	// ActionTeleport makes the move to the next node a hard teleport.
	ActionTeleport
	// ActionStop makes the node a zero-velocity point for the kinematic model.
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionTeleport:
		return "teleport"
	case ActionStop:
		return "stop"
	default:
		return "none"
	}
}

func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "0":
		return ActionNone, nil
	case "teleport", "1":
		return ActionTeleport, nil
	case "stop", "2":
		return ActionStop, nil
	}
	return ActionNone, fmt.Errorf("unknown node action %q", s)
}

func (a *Action) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseAction(value.Value)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Motion selects the kinematic model used to build a timeline.
type Motion uint8

const (
	// MotionConstant cruises at constant speed along a Catmull-Rom curve.
	MotionConstant Motion = iota
	// MotionKinematic accelerates out of and decelerates into stop nodes.
	MotionKinematic
)

func (m Motion) String() string {
	if m == MotionKinematic {
		return "kinematic"
	}
	return "constant"
}

func ParseMotion(s string) (Motion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "constant":
		return MotionConstant, nil
	case "kinematic", "accel":
		return MotionKinematic, nil
	}
	return MotionConstant, fmt.Errorf("unknown motion model %q", s)
}

func (m *Motion) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseMotion(value.Value)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

type Node struct {
	Index            int           `yaml:"-"`
	RegionID         uint32        `yaml:"region"`
	X                float64       `yaml:"x"`
	Y                float64       `yaml:"y"`
	Z                float64       `yaml:"z"`
	Delay            time.Duration `yaml:"delay"`
	Action           Action        `yaml:"action"`
	ArrivalEventID   uint32        `yaml:"arrival_event"`
	DepartureEventID uint32        `yaml:"departure_event"`
}

func (n Node) Position() geom.Position { return geom.Position{X: n.X, Y: n.Y, Z: n.Z} }

func (n Node) Location() geom.WorldLocation {
	return geom.WorldLocation{RegionID: n.RegionID, Position: n.Position()}
}

type HookIDs struct {
	Arrival   uint32 `yaml:"arrival"`
	Departure uint32 `yaml:"departure"`
}

type Template struct {
	Entry       uint32  `yaml:"entry"`
	Name        string  `yaml:"name"`
	PathID      uint32  `yaml:"path_id"`
	CruiseSpeed float64 `yaml:"cruise_speed"`
	AccelRate   float64 `yaml:"acceleration_rate"`
	Model       Motion  `yaml:"model"`
	Cyclic      bool    `yaml:"cyclic"`
	// Dynamic transports reload their path whenever they resume after an
	// anchorage or a reset.
	Dynamic bool `yaml:"dynamic"`

	// Optional per-node overrides, indexed like the path.
	DwellDelays []time.Duration `yaml:"dwell_delays"`
	Hooks       []HookIDs       `yaml:"hooks"`
}

// ApplyOverrides returns a copy of nodes with the template's dwell delay and
// hook overrides applied. Zero override values leave the node untouched.
func (t Template) ApplyOverrides(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)
	for i := range out {
		out[i].Index = i
		if i < len(t.DwellDelays) && t.DwellDelays[i] > 0 {
			out[i].Delay = t.DwellDelays[i]
		}
		if i < len(t.Hooks) {
			if t.Hooks[i].Arrival != 0 {
				out[i].ArrivalEventID = t.Hooks[i].Arrival
			}
			if t.Hooks[i].Departure != 0 {
				out[i].DepartureEventID = t.Hooks[i].Departure
			}
		}
	}
	return out
}
