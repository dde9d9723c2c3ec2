package geo

import (
	"fmt"
	"math"
	"testing"

	"github.com/HorseChain/travony-sub002/internal/models"
)

func TestHaversine(t *testing.T) {
	if d := Haversine(25.2048, 55.2708, 25.2048, 55.2708); d != 0 {
		t.Fatalf("zero distance = %f", d)
	}
	// Downtown Dubai to DIFC, roughly 900m
	d := Haversine(25.2048, 55.2708, 25.2110, 55.2760)
	if d < 700 || d > 1100 {
		t.Fatalf("distance = %.0fm, expected around 900m", d)
	}
	if math.IsNaN(Haversine(90, 0, -90, 180)) {
		t.Fatal("antipodal distance must not be NaN")
	}
}

func driverAt(id string, lat, lon float64) models.Driver {
	return models.Driver{ID: id, Loc: models.Coord{Lat: lat, Lon: lon}, Online: true, Approved: true}
}

func TestNearbyFiltersAndSorts(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(driverAt("near", 25.2050, 55.2710))
	idx.Upsert(driverAt("nearer", 25.2049, 55.2709))
	idx.Upsert(driverAt("far", 26.0, 56.0)) // ~115km away

	offline := driverAt("offline", 25.2048, 55.2708)
	offline.Online = false
	idx.Upsert(offline)

	unapproved := driverAt("unapproved", 25.2048, 55.2708)
	unapproved.Approved = false
	idx.Upsert(unapproved)

	got := idx.Nearby(25.2048, 55.2708, 10000, 8, "")
	if len(got) != 2 {
		t.Fatalf("got %d drivers: %+v", len(got), got)
	}
	if got[0].ID != "nearer" || got[1].ID != "near" {
		t.Fatalf("not nearest-first: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestNearbyExcludesDriver(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(driverAt("cancelling", 25.2048, 55.2708))
	idx.Upsert(driverAt("other", 25.2050, 55.2710))

	got := idx.Nearby(25.2048, 55.2708, 10000, 8, "cancelling")
	if len(got) != 1 || got[0].ID != "other" {
		t.Fatalf("got %+v", got)
	}
}

func TestNearbyHonorsLimit(t *testing.T) {
	idx := NewIndex()
	for i := 0; i < 20; i++ {
		idx.Upsert(driverAt(fmt.Sprintf("d%d", i), 25.2048+float64(i)*0.0001, 55.2708))
	}
	got := idx.Nearby(25.2048, 55.2708, 10000, 5, "")
	if len(got) != 5 {
		t.Fatalf("got %d drivers, want 5", len(got))
	}
	if got[0].ID != "d0" {
		t.Fatalf("nearest = %s, want d0", got[0].ID)
	}
}

func TestUpsertReplacesLocation(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(driverAt("d1", 26.0, 56.0))
	if got := idx.Nearby(25.2048, 55.2708, 10000, 8, ""); len(got) != 0 {
		t.Fatalf("driver should be out of range: %+v", got)
	}
	idx.Upsert(driverAt("d1", 25.2050, 55.2710))
	if got := idx.Nearby(25.2048, 55.2708, 10000, 8, ""); len(got) != 1 {
		t.Fatalf("moved driver should be in range: %+v", got)
	}
}
