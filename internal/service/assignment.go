package service

import (
	"math"
	"sort"

	"github.com/atm_fieldops/backend/internal/models"
	"github.com/atm_fieldops/backend/internal/utils"
)

const DefaultRankingBucketKm = 0.5

type EligibilityResult struct {
	Eligible   []models.Engineer
	ReasonCode string
	ReasonText string
}

type RankedEngineer struct {
	Engineer   models.Engineer `json:"engineer"`
	DistanceKm *float64        `json:"distanceKm,omitempty"`
	Bucket     int             `json:"bucket"`
}

func FilterAvailableEngineers(engineers []models.Engineer) EligibilityResult {
	result := EligibilityResult{}
	if len(engineers) == 0 {
		result.ReasonCode = "NO_ENGINEERS"
		result.ReasonText = "No engineers registered"
		return result
	}
	result.Eligible = filterEngineers(engineers, func(e models.Engineer) bool {
		return e.Status == models.EngineerAvailable
	})
	if len(result.Eligible) == 0 {
		result.ReasonCode = "NONE_AVAILABLE"
		result.ReasonText = "Every engineer is busy or on break"
	}
	return result
}

// RankEngineers orders candidates by distance bucket, then first-time-fix rate,
// then a hash of (ticketKey, engineer id). Engineers in the same bucket are
// treated as equally close. Without machine coordinates every candidate lands
// in bucket 0.
func RankEngineers(ticketKey string, machine *models.Position, engineers []models.Engineer, bucketKm float64) []RankedEngineer {
	if bucketKm <= 0 {
		bucketKm = DefaultRankingBucketKm
	}
	ranked := make([]RankedEngineer, 0, len(engineers))
	for _, e := range engineers {
		r := RankedEngineer{Engineer: e}
		if machine != nil {
			d := utils.HaversineKm(e.Lat, e.Lng, machine.Lat, machine.Lng)
			r.DistanceKm = &d
			r.Bucket = int(math.Floor(d / bucketKm))
		}
		ranked = append(ranked, r)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Bucket != b.Bucket {
			return a.Bucket < b.Bucket
		}
		if a.Engineer.FirstTimeFixRate != b.Engineer.FirstTimeFixRate {
			return a.Engineer.FirstTimeFixRate > b.Engineer.FirstTimeFixRate
		}
		ha := utils.HashPair(ticketKey, a.Engineer.ID)
		hb := utils.HashPair(ticketKey, b.Engineer.ID)
		if ha != hb {
			return ha < hb
		}
		return a.Engineer.ID < b.Engineer.ID
	})
	return ranked
}

// PickEngineer returns the top ranked available engineer and the full ranking.
func PickEngineer(ticketKey string, machine *models.Position, engineers []models.Engineer, bucketKm float64) (RankedEngineer, []RankedEngineer, bool) {
	eligible := FilterAvailableEngineers(engineers).Eligible
	if len(eligible) == 0 {
		return RankedEngineer{}, nil, false
	}
	ranked := RankEngineers(ticketKey, machine, eligible, bucketKm)
	return ranked[0], ranked, true
}

func machinePosition(m models.Machine) *models.Position {
	if !m.HasCoordinates() {
		return nil
	}
	return &models.Position{Lat: *m.Lat, Lng: *m.Lng}
}

func filterEngineers(engineers []models.Engineer, keep func(models.Engineer) bool) []models.Engineer {
	out := make([]models.Engineer, 0, len(engineers))
	for _, e := range engineers {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
