package hass

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"shelly-go-home/internal/device"
)

const (
	// Mired bounds matching the [2700K, 6500K] range of the lights.
	minMireds = 1_000_000 / device.MaxKelvin
	maxMireds = 1_000_000 / device.MinKelvin
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/shelly_lamp1/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	MinMireds           int      `json:"min_mireds,omitempty"`
	MaxMireds           int      `json:"max_mireds,omitempty"`
	Device              haDevice `json:"device"`
}

// displayName returns the name shown in Home Assistant.
func displayName(rec device.Record) string {
	if rec.Name != "" {
		return rec.Name
	}
	return rec.DeviceID
}

// nodeID returns the unique identifier for the HA device registry.
func nodeID(rec device.Record) string {
	return "shelly_" + topicName(rec.DeviceID)
}

// topicName lowercases id and keeps only characters safe in an MQTT topic level.
func topicName(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(id))
}

// buildDiscovery generates the light entity and its power and energy sensors.
func buildDiscovery(rec device.Record, prefix, discoveryPrefix string) []discoveryMsg {
	node := nodeID(rec)
	name := displayName(rec)
	stateTopic := prefix + "/" + topicName(rec.DeviceID)
	avail := prefix + "/bridge/state"
	dev := haDevice{
		Identifiers:  []string{node, rec.Alias()},
		Manufacturer: "Shelly",
		Model:        "RGBW",
		Name:         name,
	}

	light := haDiscovery{
		Name:                name,
		UniqueID:            node + "_light",
		StateTopic:          stateTopic,
		CommandTopic:        stateTopic + "/set",
		AvailabilityTopic:   avail,
		Schema:              "json",
		Brightness:          true,
		BrightnessScale:     device.MaxPercent,
		SupportedColorModes: []string{"rgbw", "color_temp"},
		MinMireds:           minMireds,
		MaxMireds:           maxMireds,
		Device:              dev,
	}
	power := haDiscovery{
		Name:              name + " Power",
		UniqueID:          node + "_power",
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.power }}",
		UnitOfMeasurement: "W",
		DeviceClass:       "power",
		StateClass:        "measurement",
		Device:            dev,
	}
	// Shelly reports energy in watt-minutes.
	energy := haDiscovery{
		Name:              name + " Energy",
		UniqueID:          node + "_energy",
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ (value_json.energy / 60) | round(2) }}",
		UnitOfMeasurement: "Wh",
		DeviceClass:       "energy",
		StateClass:        "total_increasing",
		Device:            dev,
	}

	return []discoveryMsg{
		{Topic: configTopic(discoveryPrefix, "light", node, "light"), Payload: mustJSON(light)},
		{Topic: configTopic(discoveryPrefix, "sensor", node, "power"), Payload: mustJSON(power)},
		{Topic: configTopic(discoveryPrefix, "sensor", node, "energy"), Payload: mustJSON(energy)},
	}
}

// buildRemoveDiscovery generates empty retained messages that delete every
// entity buildDiscovery creates.
func buildRemoveDiscovery(rec device.Record, discoveryPrefix string) []discoveryMsg {
	node := nodeID(rec)
	return []discoveryMsg{
		{Topic: configTopic(discoveryPrefix, "light", node, "light")},
		{Topic: configTopic(discoveryPrefix, "sensor", node, "power")},
		{Topic: configTopic(discoveryPrefix, "sensor", node, "energy")},
	}
}

func configTopic(discoveryPrefix, component, node, object string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, component, node, object)
}

// haColor is the color block of the JSON light schema.
type haColor struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
	W int `json:"w"`
}

// haState is the retained state payload read by every entity of a device.
type haState struct {
	State      string   `json:"state,omitempty"`
	Brightness *int     `json:"brightness,omitempty"`
	ColorMode  string   `json:"color_mode,omitempty"`
	Color      *haColor `json:"color,omitempty"`
	ColorTemp  *int     `json:"color_temp,omitempty"`
	Power      *float64 `json:"power,omitempty"`
	Energy     *float64 `json:"energy,omitempty"`
	Online     *bool    `json:"online,omitempty"`
	LastSeen   string   `json:"last_seen,omitempty"`
}

// buildState renders a record in the JSON light schema. In color mode the
// Shelly gain is the brightness; in white mode it is the brightness field.
func buildState(rec device.Record) haState {
	a := rec.Attributes
	s := haState{Power: a.Power, Energy: a.Energy, Online: a.Online}
	if a.IsOn != nil {
		s.State = "OFF"
		if *a.IsOn {
			s.State = "ON"
		}
	}
	if a.Mode != nil && *a.Mode == "color" {
		s.ColorMode = "rgbw"
		s.Brightness = a.Gain
		s.Color = &haColor{R: deref(a.Red), G: deref(a.Green), B: deref(a.Blue), W: percentTo255(deref(a.White))}
	} else {
		if a.Mode != nil {
			s.ColorMode = "color_temp"
		}
		s.Brightness = a.Brightness
		if a.Temp != nil && *a.Temp > 0 {
			m := 1_000_000 / *a.Temp
			s.ColorTemp = &m
		}
	}
	if !rec.LastSeen.IsZero() {
		s.LastSeen = rec.LastSeen.UTC().Format(time.RFC3339)
	}
	return s
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func percentTo255(p int) int   { return (p*255 + 50) / 100 }
func percentFrom255(v int) int { return (v*100 + 127) / 255 }

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
