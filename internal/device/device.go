// Package device holds the gateway's device model: records, the attribute
// vocabulary reported by Shelly RGBW lights, and the command set with its
// parameter ranges.
package device

import "time"

// Record is the persisted and cached view of one device.
type Record struct {
	DeviceID    string     `json:"device_id"`
	TransportID string     `json:"transport_id"`
	Name        string     `json:"name,omitempty"`
	Attributes  Attributes `json:"attributes"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeen    time.Time  `json:"last_seen"`
}

// Alias returns the identifier used on the wire.
func (r Record) Alias() string {
	if r.TransportID != "" {
		return r.TransportID
	}
	return r.DeviceID
}

// Matches reports whether id names this record by device id or transport alias.
func (r Record) Matches(id string) bool {
	return id != "" && (r.DeviceID == id || r.Alias() == id)
}

// Attributes is the set of known status fields. A nil field means "not
// reported"; Merge only overwrites fields that are set in the update.
// Pointed-to values are never mutated after construction, so copies of
// Attributes may share them.
type Attributes struct {
	IsOn       *bool    `json:"ison,omitempty"`
	Mode       *string  `json:"mode,omitempty"`
	Brightness *int     `json:"brightness,omitempty"`
	Temp       *int     `json:"temp,omitempty"`
	Red        *int     `json:"red,omitempty"`
	Green      *int     `json:"green,omitempty"`
	Blue       *int     `json:"blue,omitempty"`
	Gain       *int     `json:"gain,omitempty"`
	White      *int     `json:"white,omitempty"`
	Power      *float64 `json:"power,omitempty"`
	Energy     *float64 `json:"energy,omitempty"`
	Online     *bool    `json:"online,omitempty"`
}

// Merge returns a copy of a with every field set in u applied on top.
func (a Attributes) Merge(u Attributes) Attributes {
	if u.IsOn != nil {
		a.IsOn = u.IsOn
	}
	if u.Mode != nil {
		a.Mode = u.Mode
	}
	if u.Brightness != nil {
		a.Brightness = u.Brightness
	}
	if u.Temp != nil {
		a.Temp = u.Temp
	}
	if u.Red != nil {
		a.Red = u.Red
	}
	if u.Green != nil {
		a.Green = u.Green
	}
	if u.Blue != nil {
		a.Blue = u.Blue
	}
	if u.Gain != nil {
		a.Gain = u.Gain
	}
	if u.White != nil {
		a.White = u.White
	}
	if u.Power != nil {
		a.Power = u.Power
	}
	if u.Energy != nil {
		a.Energy = u.Energy
	}
	if u.Online != nil {
		a.Online = u.Online
	}
	return a
}

// Fields lists the JSON names of the fields that are set.
func (a Attributes) Fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(a.IsOn != nil, "ison")
	add(a.Mode != nil, "mode")
	add(a.Brightness != nil, "brightness")
	add(a.Temp != nil, "temp")
	add(a.Red != nil, "red")
	add(a.Green != nil, "green")
	add(a.Blue != nil, "blue")
	add(a.Gain != nil, "gain")
	add(a.White != nil, "white")
	add(a.Power != nil, "power")
	add(a.Energy != nil, "energy")
	add(a.Online != nil, "online")
	return out
}

// Empty reports whether no field is set.
func (a Attributes) Empty() bool {
	return len(a.Fields()) == 0
}

// Map flattens the set fields into a plain map, used by scripts.
func (a Attributes) Map() map[string]any {
	m := make(map[string]any)
	if a.IsOn != nil {
		m["ison"] = *a.IsOn
	}
	if a.Mode != nil {
		m["mode"] = *a.Mode
	}
	for name, v := range map[string]*int{
		"brightness": a.Brightness, "temp": a.Temp, "red": a.Red, "green": a.Green,
		"blue": a.Blue, "gain": a.Gain, "white": a.White,
	} {
		if v != nil {
			m[name] = *v
		}
	}
	if a.Power != nil {
		m["power"] = *a.Power
	}
	if a.Energy != nil {
		m["energy"] = *a.Energy
	}
	if a.Online != nil {
		m["online"] = *a.Online
	}
	return m
}

// Bool returns a pointer to v, for building Attributes literals.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
