package geocode

import (
	"context"
	"errors"
	"strings"

	"github.com/atm_fieldops/backend/internal/models"
)

var ErrNotFound = errors.New("geocode not found")

type Result struct {
	Lat         float64
	Lng         float64
	DisplayName string
	Confidence  float64
}

type Geocoder interface {
	Geocode(ctx context.Context, query string) (Result, error)
}

func BuildGeocodeQuery(country string, branch string, address string) string {
	parts := []string{}
	for _, p := range []string{address, branch, country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func ShouldGeocode(machine models.Machine, force bool) bool {
	if force {
		return true
	}
	return !machine.HasCoordinates() && strings.TrimSpace(machine.Address) != ""
}

// LocateMachine fills in machine coordinates from its address. Machines that
// already carry coordinates are returned untouched unless force is set.
func LocateMachine(ctx context.Context, g Geocoder, machine models.Machine, country string, force bool) (models.Machine, error) {
	if g == nil || !ShouldGeocode(machine, force) {
		return machine, nil
	}
	res, err := g.Geocode(ctx, BuildGeocodeQuery(country, "", machine.Address))
	if err != nil {
		return machine, err
	}
	lat, lng := res.Lat, res.Lng
	machine.Lat = &lat
	machine.Lng = &lng
	return machine, nil
}
