package tracking

import (
	"context"
	"errors"
	"math"

	"github.com/pliu/petbuddy/internal/models"
)

const earthRadiusMetres = 6371000.0

type Route struct {
	Waypoints []models.Point `json:"waypoints"`
	// Legs holds the length of each waypoint-to-waypoint leg in metres.
	Legs     []float64 `json:"legs"`
	Distance float64   `json:"distance"`
}

// RoutePlanner computes a route through waypoints. Implementations must
// return promptly once ctx is cancelled.
type RoutePlanner interface {
	Plan(ctx context.Context, waypoints []models.Point) (Route, error)
}

// StraightLine joins the waypoints with great-circle legs.
type StraightLine struct{}

func (StraightLine) Plan(ctx context.Context, waypoints []models.Point) (Route, error) {
	if len(waypoints) < 2 {
		return Route{}, errors.New("tracking: a route needs at least two waypoints")
	}
	if err := ctx.Err(); err != nil {
		return Route{}, err
	}
	r := Route{
		Waypoints: append([]models.Point(nil), waypoints...),
		Legs:      make([]float64, 0, len(waypoints)-1),
	}
	for i := 1; i < len(waypoints); i++ {
		d := Haversine(waypoints[i-1], waypoints[i])
		r.Legs = append(r.Legs, d)
		r.Distance += d
	}
	return r, nil
}

// Haversine is the great-circle distance between a and b in metres.
func Haversine(a, b models.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMetres * math.Asin(math.Min(1, math.Sqrt(h)))
}
