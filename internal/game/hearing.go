package game

import (
	"fmt"

	"github.com/tilefall/tilefall/internal/geom"
	"github.com/tilefall/tilefall/internal/syncmodel"
	"github.com/tilefall/tilefall/internal/world"
)

// hearingArea is the set of users within earshot of a point: those in
// the point's zone window whose staggered distance is at most radius.
type hearingArea struct {
	world    *world.Manager
	radius   float64
	location int64
	center   geom.Vec2
}

func (a hearingArea) UserIDs() ([]int64, error) {
	z := a.world.ZoneAt(a.location, a.center)
	var out []int64
	for _, e := range z.Entities()["user"] {
		p, ok := e.(world.Placed)
		if !ok {
			continue
		}
		if p.Pos().StaggeredDistance(a.center) <= a.radius {
			out = append(out, e.EntityID())
		}
	}
	return out, nil
}

// HearingAreaFactory builds the factory backing message sync models.
// Params are the message's location id and position.
func HearingAreaFactory(w *world.Manager, radius int) syncmodel.AreaFactory {
	return func(params []any) (syncmodel.AreaInstance, error) {
		if len(params) != 2 {
			return nil, fmt.Errorf("game: hearing area wants 2 params, got %d", len(params))
		}
		location, okLoc := params[0].(int64)
		center, okPos := params[1].(geom.Vec2)
		if !okLoc || !okPos {
			return nil, fmt.Errorf("game: hearing area params %v malformed", params)
		}
		return hearingArea{world: w, radius: float64(radius), location: location, center: center}, nil
	}
}
