package hass

import (
	"encoding/json"
	"testing"
	"time"

	"shelly-go-home/internal/device"
)

func TestDiscoveryLight(t *testing.T) {
	rec := device.Record{DeviceID: "Porch Lamp", TransportID: "shellyrgbw2-A1B2C3", Name: "Porch"}
	msgs := buildDiscovery(rec, "shelly-go-home", "homeassistant")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Topic != "homeassistant/light/shelly_porch_lamp/light/config" {
		t.Fatalf("light topic = %q", msgs[0].Topic)
	}

	var light haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &light); err != nil {
		t.Fatal(err)
	}
	if light.Name != "Porch" || light.UniqueID != "shelly_porch_lamp_light" {
		t.Errorf("name/unique_id = %q/%q", light.Name, light.UniqueID)
	}
	if light.StateTopic != "shelly-go-home/porch_lamp" || light.CommandTopic != "shelly-go-home/porch_lamp/set" {
		t.Errorf("topics = %q %q", light.StateTopic, light.CommandTopic)
	}
	if light.AvailabilityTopic != "shelly-go-home/bridge/state" {
		t.Errorf("availability_topic = %q", light.AvailabilityTopic)
	}
	if light.Schema != "json" || light.BrightnessScale != 100 {
		t.Errorf("schema = %q scale = %d", light.Schema, light.BrightnessScale)
	}
	if light.MinMireds != 153 || light.MaxMireds != 370 {
		t.Errorf("mireds = %d..%d", light.MinMireds, light.MaxMireds)
	}
	if len(light.Device.Identifiers) != 2 || light.Device.Identifiers[1] != "shellyrgbw2-A1B2C3" {
		t.Errorf("identifiers = %v", light.Device.Identifiers)
	}

	var energy haDiscovery
	if err := json.Unmarshal(msgs[2].Payload, &energy); err != nil {
		t.Fatal(err)
	}
	if energy.DeviceClass != "energy" || energy.StateClass != "total_increasing" || energy.UnitOfMeasurement != "Wh" {
		t.Errorf("energy sensor = %+v", energy)
	}
}

func TestRemoveDiscoveryMatchesDiscovery(t *testing.T) {
	rec := device.Record{DeviceID: "lamp1"}
	add := buildDiscovery(rec, "p", "homeassistant")
	rm := buildRemoveDiscovery(rec, "homeassistant")
	if len(add) != len(rm) {
		t.Fatalf("add %d, remove %d", len(add), len(rm))
	}
	for i := range add {
		if add[i].Topic != rm[i].Topic {
			t.Errorf("topic %d: %q vs %q", i, add[i].Topic, rm[i].Topic)
		}
		if len(rm[i].Payload) != 0 {
			t.Errorf("remove payload %d must be empty", i)
		}
	}
}

func TestTopicName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"lamp1", "lamp1"},
		{"Living Room", "living_room"},
		{"a/b+c#", "a_b_c_"},
		{"shellycolorbulb-A1", "shellycolorbulb-a1"},
	}
	for _, tt := range tests {
		if got := topicName(tt.in); got != tt.want {
			t.Errorf("topicName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildState(t *testing.T) {
	seen := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	white := device.Record{
		DeviceID: "lamp1",
		LastSeen: seen,
		Attributes: device.Attributes{
			IsOn: device.Bool(true), Mode: device.String("white"),
			Brightness: device.Int(60), Temp: device.Int(4000), Power: device.Float(7.2),
		},
	}
	s := buildState(white)
	if s.State != "ON" || s.ColorMode != "color_temp" || *s.Brightness != 60 || *s.ColorTemp != 250 {
		t.Errorf("white state = %+v", s)
	}
	if s.Color != nil {
		t.Error("white mode must not report a color")
	}
	if s.LastSeen != "2026-10-19T08:30:00Z" || *s.Power != 7.2 {
		t.Errorf("last_seen/power = %q/%v", s.LastSeen, *s.Power)
	}

	color := device.Record{Attributes: device.Attributes{
		IsOn: device.Bool(false), Mode: device.String("color"),
		Red: device.Int(255), Green: device.Int(10), Blue: device.Int(0), White: device.Int(100), Gain: device.Int(35),
	}}
	s = buildState(color)
	if s.State != "OFF" || s.ColorMode != "rgbw" || *s.Brightness != 35 {
		t.Errorf("color state = %+v", s)
	}
	if s.Color == nil || *s.Color != (haColor{R: 255, G: 10, B: 0, W: 255}) {
		t.Errorf("color = %+v", s.Color)
	}

	if got := string(mustJSON(buildState(device.Record{}))); got != "{}" {
		t.Errorf("empty record state = %s", got)
	}
}

func TestPercentConversion(t *testing.T) {
	for _, p := range []int{0, 1, 50, 99, 100} {
		if got := percentFrom255(percentTo255(p)); got != p {
			t.Errorf("round trip %d -> %d", p, got)
		}
	}
}
