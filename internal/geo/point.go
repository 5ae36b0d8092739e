package geo

import (
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twpayne/go-geom"
	gjson "github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// Point is an optional WGS84 coordinate. The zero value is "no coordinate"
// and is persisted as SQL NULL, never as 0,0.
type Point struct {
	Lat   float64
	Lng   float64
	Valid bool
}

// NewPoint returns a valid point.
func NewPoint(lat, lng float64) Point {
	return Point{Lat: lat, Lng: lng, Valid: true}
}

// InBounds reports whether a valid point lies inside the WGS84 coordinate range.
func (p Point) InBounds() bool {
	return p.Valid && p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func (p Point) geometry() *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{p.Lng, p.Lat})
}

// Value stores the point as little-endian WKB.
func (p Point) Value() (driver.Value, error) {
	if !p.Valid {
		return nil, nil
	}
	return wkb.Marshal(p.geometry(), binary.LittleEndian)
}

// Scan reads a WKB point written by Value.
func (p *Point) Scan(src interface{}) error {
	if src == nil {
		*p = Point{}
		return nil
	}
	raw, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("geo: cannot scan %T into Point", src)
	}
	if len(raw) == 0 {
		*p = Point{}
		return nil
	}
	g, err := wkb.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("geo: decode wkb: %w", err)
	}
	pt, ok := g.(*geom.Point)
	if !ok {
		return fmt.Errorf("geo: expected point geometry, got %T", g)
	}
	*p = NewPoint(pt.Y(), pt.X())
	return nil
}

// GormDataType maps the point to a bytea column.
func (Point) GormDataType() string {
	return "bytea"
}

// GeoJSON renders the point as a GeoJSON geometry, or "" when unset.
func (p Point) GeoJSON() (string, error) {
	if !p.Valid {
		return "", nil
	}
	b, err := gjson.Marshal(p.geometry())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type pointJSON struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// MarshalJSON writes {"latitude":..,"longitude":..} or null.
func (p Point) MarshalJSON() ([]byte, error) {
	if !p.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(pointJSON{Latitude: p.Lat, Longitude: p.Lng})
}

// UnmarshalJSON accepts the MarshalJSON form; null leaves the point unset.
func (p *Point) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = Point{}
		return nil
	}
	var aux pointJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = NewPoint(aux.Latitude, aux.Longitude)
	return nil
}

// Fix is a reading from a device location provider.
type Fix struct {
	Point     Point
	Accuracy  float64
	Timestamp time.Time
}
