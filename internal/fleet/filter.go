package fleet

import (
	"fmt"
	"strings"

	"github.com/ukydev/control-room/internal/models"
)

// Filter restricts a snapshot by status, zone and driver. An empty dimension
// places no constraint; dimensions combine with AND.
type Filter struct {
	Status []models.Status `json:"status"`
	Zone   []string        `json:"zone"`
	Driver []string        `json:"driver"`
}

// Empty reports whether the filter matches everything.
func (f Filter) Empty() bool {
	return len(f.Status) == 0 && len(f.Zone) == 0 && len(f.Driver) == 0
}

// Match reports whether rec satisfies every dimension of the filter.
func (f Filter) Match(rec models.PositionRecord) bool {
	return matchAny(f.Status, rec.Status) &&
		matchAny(f.Zone, rec.Zone) &&
		matchAny(f.Driver, rec.Driver)
}

func matchAny[T comparable](allowed []T, v T) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

// Apply returns the subset of snapshot matching f. The input is not modified.
func Apply(snapshot models.Snapshot, f Filter) models.Snapshot {
	out := make(models.Snapshot, len(snapshot))
	for id, rec := range snapshot {
		if f.Match(rec) {
			out[id] = rec
		}
	}
	return out
}

// ParseFilter builds a filter from comma separated lists, as passed on the
// command line or in the environment.
func ParseFilter(status, zone, driver string) (Filter, error) {
	var f Filter
	for _, s := range splitList(status) {
		st := models.Status(s)
		if !st.Valid() {
			return Filter{}, fmt.Errorf("unknown status %q", s)
		}
		f.Status = append(f.Status, st)
	}
	f.Zone = splitList(zone)
	f.Driver = splitList(driver)
	return f, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
