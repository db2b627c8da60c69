package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ukydev/control-room/internal/models"
)

func TestRandomPointAround(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, base := range bases {
		for i := 0; i < 100; i++ {
			p := randomPointAround(rng, base.Location, roamRadiusKm)
			if d := haversineKm(base.Location, p); d > roamRadiusKm+0.001 {
				t.Fatalf("point %v is %.2f km from %s", p, d, base.Zone)
			}
		}
	}
}

func TestBearing(t *testing.T) {
	origin := Location{Lat: 5, Lng: -4}
	tests := []struct {
		name string
		to   Location
		want float64
	}{
		{"north", Location{Lat: 6, Lng: -4}, 0},
		{"east", Location{Lat: 5, Lng: -3}, 90},
		{"south", Location{Lat: 4, Lng: -4}, 180},
		{"west", Location{Lat: 5, Lng: -5}, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bearing(origin, tt.to)
			if got < tt.want-1 || got > tt.want+1 {
				t.Errorf("bearing = %.2f, want about %.0f", got, tt.want)
			}
		})
	}
}

func TestStep_MovesTowardTarget(t *testing.T) {
	s := &VehicleState{
		Base:     bases[0],
		Position: Location{Lat: 5.30, Lng: -4.00},
		Target:   Location{Lat: 5.40, Lng: -4.00},
		SpeedKmh: 60,
		Status:   models.StatusActive,
	}
	rng := rand.New(rand.NewSource(7))
	before := haversineKm(s.Position, s.Target)
	for i := 0; i < 10; i++ {
		s.Status = models.StatusActive
		step(rng, s, 5)
	}
	if s.Status == models.StatusActive && haversineKm(s.Position, s.Target) >= before {
		t.Errorf("vehicle did not move toward its target")
	}
	if s.SpeedKmh < 20 || s.SpeedKmh > 120 {
		t.Errorf("speed out of range: %f", s.SpeedKmh)
	}
}

func TestNewFleet(t *testing.T) {
	states := newFleet(rand.New(rand.NewSource(1)), []string{"T1", "T2"})
	if len(states) != 2*len(bases) {
		t.Fatalf("expected %d vehicles, got %d", 2*len(bases), len(states))
	}
	seen := map[string]bool{}
	for _, s := range states {
		if seen[s.VehicleID] {
			t.Errorf("duplicate vehicle id %s", s.VehicleID)
		}
		seen[s.VehicleID] = true
	}
	if states[0].TenantID != "T1" || states[len(states)-1].TenantID != "T2" {
		t.Errorf("vehicles not assigned to tenants in order")
	}
}

func TestPositionFromState(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	s := &VehicleState{
		TenantID: "T1", VehicleID: "VH001", MissionID: "MIS001", Driver: "Yao",
		Base: bases[1], Position: Location{Lat: 6.8, Lng: -5.3},
		SpeedKmh: 64.4, Heading: 181.7, Status: models.StatusIdle,
	}
	in := positionFromState(s, now)
	if in.TenantID != "T1" || in.Zone != "Bouaké" || in.Status != "idle" {
		t.Errorf("unexpected position %+v", in)
	}
	if *in.Speed != 0 {
		t.Errorf("idle vehicle should report speed 0, got %f", *in.Speed)
	}
	if *in.Heading != 181 {
		t.Errorf("heading = %f", *in.Heading)
	}
	if !in.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v", in.Timestamp)
	}
}

func TestClient_SendPosition(t *testing.T) {
	var got models.PositionInput
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/positions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := newFleet(rand.New(rand.NewSource(1)), []string{"T1"})[0]
	err := NewClient(server.URL+"/api/").SendPosition(context.Background(), positionFromState(s, time.Now()))
	if err != nil {
		t.Fatalf("SendPosition: %v", err)
	}
	if got.VehicleID != s.VehicleID || got.TenantID != "T1" {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestClient_SendBatch(t *testing.T) {
	var body models.BatchInput
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/positions/batch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	states := newFleet(rand.New(rand.NewSource(1)), []string{"T1", "T2"})
	inputs := make([]models.PositionInput, 0, len(states))
	for _, s := range states {
		inputs = append(inputs, positionFromState(s, time.Now()))
	}
	if err := NewClient(server.URL+"/api").SendBatch(context.Background(), inputs); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if len(body.Positions) != len(states) {
		t.Errorf("expected %d positions, got %d", len(states), len(body.Positions))
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	s := newFleet(rand.New(rand.NewSource(1)), []string{"T1"})[0]
	if err := NewClient(server.URL).SendPosition(context.Background(), positionFromState(s, time.Now())); err == nil {
		t.Error("expected an error for a 400 answer")
	}
}

func TestParseTenants(t *testing.T) {
	if got := parseTenants(" T1, ,T2 "); len(got) != 2 || got[0] != "T1" || got[1] != "T2" {
		t.Errorf("parseTenants = %v", got)
	}
	if got := parseTenants(""); len(got) != 1 {
		t.Errorf("expected the default tenant, got %v", got)
	}
}
