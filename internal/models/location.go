package models

import (
	"math"
	"time"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// PositionSample is one driver fix published to a booking room.
// ReceivedAt is stamped by the consumer on delivery and is not sent.
type PositionSample struct {
	BookingID  string    `json:"bookingId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	ReceivedAt time.Time `json:"-"`
}

func (s PositionSample) Point() Point {
	return Point{Lat: s.Lat, Lng: s.Lng}
}
