package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/models"
)

// Location is a latitude/longitude pair in degrees.
type Location struct {
	Lat float64
	Lng float64
}

// Base is a home city vehicles roam around.
type Base struct {
	Zone     string
	Location Location
}

var bases = []Base{
	{Zone: "Abidjan", Location: Location{Lat: 5.359952, Lng: -3.998575}},
	{Zone: "Bouaké", Location: Location{Lat: 6.827622, Lng: -5.289343}},
	{Zone: "San Pedro", Location: Location{Lat: 4.760552, Lng: -6.641273}},
	{Zone: "Korhogo", Location: Location{Lat: 7.682846, Lng: -5.017570}},
}

var drivers = []string{"Kouassi", "Traoré", "Koné", "Yao"}

const (
	earthRadiusKm = 6371.0
	roamRadiusKm  = 50.0
)

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

func haversineKm(a, b Location) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

// bearing returns the initial heading from a to b in [0, 360).
func bearing(a, b Location) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLng := toRad(b.Lng - a.Lng)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	return math.Mod(toDeg(math.Atan2(y, x))+360, 360)
}

// randomPointAround picks a point at most radiusKm from base.
func randomPointAround(rng *rand.Rand, base Location, radiusKm float64) Location {
	d := rng.Float64() * radiusKm / earthRadiusKm
	angle := rng.Float64() * 2 * math.Pi
	lat := toRad(base.Lat)
	lng := toRad(base.Lng)

	newLat := math.Asin(math.Sin(lat)*math.Cos(d) + math.Cos(lat)*math.Sin(d)*math.Cos(angle))
	newLng := lng + math.Atan2(math.Sin(angle)*math.Sin(d)*math.Cos(lat), math.Cos(d)-math.Sin(lat)*math.Sin(newLat))
	return Location{Lat: toDeg(newLat), Lng: toDeg(newLng)}
}

func lerp(a, b Location, t float64) Location {
	return Location{Lat: a.Lat + (b.Lat-a.Lat)*t, Lng: a.Lng + (b.Lng-a.Lng)*t}
}

// VehicleState is the simulated state of one vehicle.
type VehicleState struct {
	TenantID  string
	VehicleID string
	MissionID string
	Driver    string
	Base      Base
	Position  Location
	Target    Location
	SpeedKmh  float64
	Heading   float64
	Status    models.Status
}

func newFleet(rng *rand.Rand, tenants []string) []*VehicleState {
	var states []*VehicleState
	for ti, tenant := range tenants {
		for i, base := range bases {
			n := ti*len(bases) + i + 1
			start := randomPointAround(rng, base.Location, roamRadiusKm)
			states = append(states, &VehicleState{
				TenantID:  tenant,
				VehicleID: fmt.Sprintf("VH%03d", n),
				MissionID: fmt.Sprintf("MIS%03d", n),
				Driver:    drivers[i%len(drivers)],
				Base:      base,
				Position:  start,
				Target:    randomPointAround(rng, base.Location, roamRadiusKm),
				SpeedKmh:  30 + rng.Float64()*60,
				Status:    models.StatusActive,
			})
		}
	}
	return states
}

// step advances s by tickSec seconds and occasionally changes its status.
func step(rng *rand.Rand, s *VehicleState, tickSec float64) {
	switch r := rng.Float64(); {
	case r < 0.02:
		s.Status = models.StatusMaintenance
	case r < 0.10:
		s.Status = models.StatusIdle
	case r < 0.40:
		s.Status = models.StatusActive
	}
	if s.Status != models.StatusActive {
		return
	}

	s.SpeedKmh += (rng.Float64()*2 - 1) * 5
	s.SpeedKmh = math.Max(20, math.Min(120, s.SpeedKmh))

	s.Heading = bearing(s.Position, s.Target)
	remaining := haversineKm(s.Position, s.Target)
	travel := s.SpeedKmh * tickSec / 3600
	if remaining <= travel || remaining == 0 {
		s.Position = s.Target
		s.Target = randomPointAround(rng, s.Base.Location, roamRadiusKm)
		return
	}
	s.Position = lerp(s.Position, s.Target, travel/remaining)
}

func positionFromState(s *VehicleState, now time.Time) models.PositionInput {
	lat, lng := s.Position.Lat, s.Position.Lng
	speed := 0.0
	if s.Status == models.StatusActive {
		speed = math.Round(s.SpeedKmh)
	}
	heading := math.Floor(s.Heading)
	ts := now.UTC()
	return models.PositionInput{
		VehicleID: s.VehicleID,
		MissionID: s.MissionID,
		TenantID:  s.TenantID,
		Status:    string(s.Status),
		Latitude:  &lat,
		Longitude: &lng,
		Name:      "Camion " + s.VehicleID,
		Driver:    s.Driver,
		Zone:      s.Base.Zone,
		Speed:     &speed,
		Heading:   &heading,
		Timestamp: &ts,
	}
}

// Client posts positions to the relay.
type Client struct {
	apiURL string
	http   *http.Client
}

func NewClient(apiURL string) *Client {
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal positions: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send positions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay answered with status: %d", resp.StatusCode)
	}
	return nil
}

// SendPosition posts a single position.
func (c *Client) SendPosition(ctx context.Context, in models.PositionInput) error {
	return c.post(ctx, "/positions", in)
}

// SendBatch posts several positions in one request.
func (c *Client) SendBatch(ctx context.Context, inputs []models.PositionInput) error {
	return c.post(ctx, "/positions/batch", models.BatchInput{Positions: inputs})
}

func parseTenants(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"00000000-0000-0000-0000-000000000000"}
	}
	return out
}

// tick moves every vehicle and reports the fleet, either vehicle by vehicle
// or as one batch.
func tick(ctx context.Context, c *Client, rng *rand.Rand, states []*VehicleState, interval time.Duration, batch bool) {
	now := time.Now()
	inputs := make([]models.PositionInput, 0, len(states))
	for _, s := range states {
		step(rng, s, interval.Seconds())
		inputs = append(inputs, positionFromState(s, now))
	}

	if batch {
		if err := c.SendBatch(ctx, inputs); err != nil {
			log.WithError(err).Error("Failed to send batch")
			return
		}
		log.WithField("positions", len(inputs)).Info("Sent batch")
		return
	}
	for _, in := range inputs {
		if err := c.SendPosition(ctx, in); err != nil {
			log.WithError(err).WithField("vehicle_id", in.VehicleID).Error("Failed to send position")
			continue
		}
		log.WithFields(log.Fields{
			"tenant_id":  in.TenantID,
			"vehicle_id": in.VehicleID,
			"status":     in.Status,
			"lat":        fmt.Sprintf("%.4f", *in.Latitude),
			"lng":        fmt.Sprintf("%.4f", *in.Longitude),
		}).Info("Sent position")
	}
}

func main() {
	_ = godotenv.Load()

	apiURL := os.Getenv("API_BASE_URL")
	if apiURL == "" {
		apiURL = "http://localhost:3001/api"
	}
	tenants := parseTenants(os.Getenv("SIM_TENANTS"))

	interval := 5 * time.Second
	if v := os.Getenv("SIM_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			interval = time.Duration(n) * time.Second
		}
	}
	batch, _ := strconv.ParseBool(os.Getenv("SIM_BATCH"))

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	states := newFleet(rng, tenants)
	client := NewClient(apiURL)

	log.WithFields(log.Fields{
		"api_url":  apiURL,
		"tenants":  tenants,
		"vehicles": len(states),
		"interval": interval,
		"batch":    batch,
	}).Info("Starting position simulation")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tick(ctx, client, rng, states, interval, batch)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Simulation stopped")
			return
		case <-ticker.C:
			tick(ctx, client, rng, states, interval, batch)
		}
	}
}
