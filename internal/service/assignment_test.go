package service

import (
	"testing"

	"github.com/atm_fieldops/backend/internal/models"
)

func TestFilterAvailableEngineers(t *testing.T) {
	task := "TKT-009"
	engineers := []models.Engineer{
		{ID: "e1", Status: models.EngineerAvailable},
		{ID: "e2", Status: models.EngineerBusy, OngoingTask: &task},
		{ID: "e3", Status: models.EngineerOnBreak},
	}
	res := FilterAvailableEngineers(engineers)
	if len(res.Eligible) != 1 || res.Eligible[0].ID != "e1" {
		t.Fatalf("expected only e1 eligible, got %+v", res.Eligible)
	}

	res = FilterAvailableEngineers(engineers[1:])
	if res.ReasonCode != "NONE_AVAILABLE" {
		t.Fatalf("expected NONE_AVAILABLE, got %s", res.ReasonCode)
	}
	if res = FilterAvailableEngineers(nil); res.ReasonCode != "NO_ENGINEERS" {
		t.Fatalf("expected NO_ENGINEERS, got %s", res.ReasonCode)
	}
}

func TestRankEngineersNearestBucketFirst(t *testing.T) {
	machine := &models.Position{Lat: 6.4301, Lng: 3.4201}
	engineers := []models.Engineer{
		{ID: "far", Lat: 6.52, Lng: 3.38, FirstTimeFixRate: 0.99},
		{ID: "near", Lat: 6.4305, Lng: 3.4205, FirstTimeFixRate: 0.40},
	}
	ranked := RankEngineers("TKT-001", machine, engineers, 0.5)
	if ranked[0].Engineer.ID != "near" {
		t.Fatalf("expected nearest engineer first, got %s", ranked[0].Engineer.ID)
	}
	if ranked[0].DistanceKm == nil || *ranked[0].DistanceKm > 0.1 {
		t.Fatalf("expected distance for near engineer, got %+v", ranked[0].DistanceKm)
	}
}

func TestRankEngineersFixRateWithinBucket(t *testing.T) {
	machine := &models.Position{Lat: 6.4301, Lng: 3.4201}
	engineers := []models.Engineer{
		{ID: "closest", Lat: 6.4301, Lng: 3.4202, FirstTimeFixRate: 0.55},
		{ID: "reliable", Lat: 6.4320, Lng: 3.4210, FirstTimeFixRate: 0.92},
	}
	ranked := RankEngineers("TKT-001", machine, engineers, 0.5)
	if ranked[0].Engineer.ID != "reliable" {
		t.Fatalf("expected higher fix rate to win inside one bucket, got %s", ranked[0].Engineer.ID)
	}
}

func TestRankEngineersDeterministicTiebreak(t *testing.T) {
	engineers := []models.Engineer{
		{ID: "e1", FirstTimeFixRate: 0.8},
		{ID: "e2", FirstTimeFixRate: 0.8},
		{ID: "e3", FirstTimeFixRate: 0.8},
	}
	first := RankEngineers("TKT-010", nil, engineers, 0.5)
	reversed := []models.Engineer{engineers[2], engineers[1], engineers[0]}
	second := RankEngineers("TKT-010", nil, reversed, 0.5)
	for i := range first {
		if first[i].Engineer.ID != second[i].Engineer.ID {
			t.Fatalf("expected input order not to matter, got %s vs %s", first[i].Engineer.ID, second[i].Engineer.ID)
		}
		if first[i].DistanceKm != nil || first[i].Bucket != 0 {
			t.Fatalf("expected no distance without machine coordinates")
		}
	}
}

func TestPickEngineerNoneAvailable(t *testing.T) {
	_, _, ok := PickEngineer("TKT-001", nil, []models.Engineer{{ID: "e1", Status: models.EngineerOnBreak}}, 0.5)
	if ok {
		t.Fatalf("expected no pick when nobody is available")
	}
}
