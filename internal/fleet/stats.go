package fleet

import (
	"fmt"
	"math"

	"github.com/ukydev/control-room/internal/models"
)

// FleetStats summarises a snapshot for the dashboard widgets.
type FleetStats struct {
	Total        int     `json:"total"`
	Active       int     `json:"active"`
	Idle         int     `json:"idle"`
	Maintenance  int     `json:"maintenance"`
	AverageSpeed float64 `json:"averageSpeed"`
}

// Stats counts vehicles per status and computes the average speed of moving
// active vehicles, rounded to the unit. The average is 0 when no active
// vehicle is moving.
func Stats(snapshot models.Snapshot) FleetStats {
	stats := FleetStats{Total: len(snapshot)}
	var sum float64
	var moving int
	for _, rec := range snapshot {
		switch rec.Status {
		case models.StatusActive:
			stats.Active++
			if v := rec.SpeedValue(); v > 0 {
				sum += v
				moving++
			}
		case models.StatusIdle:
			stats.Idle++
		case models.StatusMaintenance:
			stats.Maintenance++
		}
	}
	if moving > 0 {
		stats.AverageSpeed = math.Round(sum / float64(moving))
	}
	return stats
}

// VehicleCountLabel renders the vehicle count badge.
func VehicleCountLabel(n int) string {
	if n > 1 {
		return fmt.Sprintf("%d véhicules", n)
	}
	return fmt.Sprintf("%d véhicule", n)
}
