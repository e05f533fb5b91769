package service

import (
	"github.com/atm_fieldops/backend/internal/models"
	"github.com/atm_fieldops/backend/internal/utils"
)

const DefaultArrivalThresholdMeters = 100.0

func DistanceMeters(a, b models.Position) float64 {
	return utils.HaversineMeters(a.Lat, a.Lng, b.Lat, b.Lng)
}

// HasArrived compares great-circle distance against the threshold, inclusive.
func HasArrived(engineer, machine models.Position, thresholdMeters float64) bool {
	return DistanceMeters(engineer, machine) <= thresholdMeters
}
