// Package location defines position fixes, destinations, the location source
// contract and the error taxonomy shared by the tracking core.
package location

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Fix is one sample from a location source. Optional readings are nil when absent.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64 // meters, 68% confidence radius
	Altitude  *float64 // meters
	Heading   *float64 // degrees from true north
	Speed     *float64 // m/s
	Timestamp time.Time
}

// Float returns a pointer to v, for filling optional fix readings
func Float(v float64) *float64 {
	return &v
}

// HasHeading reports whether the fix carries a usable heading
func (f Fix) HasHeading() bool {
	return f.Heading != nil && !math.IsNaN(*f.Heading)
}

// String formats the fix for logs
func (f Fix) String() string {
	return fmt.Sprintf("%.5f,%.5f@%s", f.Latitude, f.Longitude, f.Timestamp.Format(time.RFC3339))
}

// Destination is a target point
type Destination struct {
	Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng     float64 `json:"lng" validate:"gte=-180,lte=180"`
	Name    string  `json:"name,omitempty" validate:"max=256"`
	Address string  `json:"address,omitempty" validate:"max=512"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate rejects out-of-range or non-finite coordinates with ErrInvalidDestination
func (d Destination) Validate() error {
	if math.IsNaN(d.Lat) || math.IsNaN(d.Lng) || math.IsInf(d.Lat, 0) || math.IsInf(d.Lng, 0) {
		return NewError(KindInvalidDestination, fmt.Errorf("non-finite coordinates %v,%v", d.Lat, d.Lng))
	}
	if err := validatorInstance().Struct(d); err != nil {
		return NewError(KindInvalidDestination, err)
	}
	return nil
}

// Label returns the best display name of the destination
func (d Destination) Label() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Address != "":
		return d.Address
	default:
		return fmt.Sprintf("%.5f,%.5f", d.Lat, d.Lng)
	}
}
