package device

import "fmt"

// Operation is one of the commands a light accepts.
type Operation string

const (
	OpPowerOn        Operation = "power_on"
	OpPowerOff       Operation = "power_off"
	OpSetColor       Operation = "set_color"
	OpSetWhite       Operation = "set_white"
	OpSetTemperature Operation = "set_temperature"
	OpSetBrightness  Operation = "set_brightness"
)

// Operations lists every supported operation.
var Operations = []Operation{
	OpPowerOn, OpPowerOff, OpSetColor, OpSetWhite, OpSetTemperature, OpSetBrightness,
}

// Short names used in HTTP paths and scripts.
var shortNames = map[string]Operation{
	"on":          OpPowerOn,
	"off":         OpPowerOff,
	"color":       OpSetColor,
	"white":       OpSetWhite,
	"temperature": OpSetTemperature,
	"brightness":  OpSetBrightness,
}

// ParseOperation accepts either the canonical name ("set_color") or the
// short form ("color").
func ParseOperation(s string) (Operation, error) {
	if op, ok := shortNames[s]; ok {
		return op, nil
	}
	for _, op := range Operations {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Value ranges accepted by the devices.
const (
	MinPercent = 0
	MaxPercent = 100
	MinChannel = 0
	MaxChannel = 255
	MinKelvin  = 2700
	MaxKelvin  = 6500

	DefaultGain       = 100
	DefaultBrightness = 100
	DefaultKelvin     = 4750
)

// Params carries the arguments of an operation. Fields irrelevant to the
// operation are ignored by the encoder.
type Params struct {
	Red        int `json:"red"`
	Green      int `json:"green"`
	Blue       int `json:"blue"`
	Gain       int `json:"gain"`
	White      int `json:"white"`
	Brightness int `json:"brightness"`
	Temp       int `json:"temp"`
}

// DefaultParams returns the values used for fields a caller leaves out.
func DefaultParams(op Operation) Params {
	switch op {
	case OpSetWhite:
		return Params{Gain: DefaultGain, Brightness: DefaultBrightness, Temp: DefaultKelvin}
	case OpSetColor:
		return Params{Gain: DefaultGain}
	case OpSetTemperature:
		return Params{Temp: DefaultKelvin}
	}
	return Params{}
}

// Adjustment records a value that was clamped into range.
type Adjustment struct {
	Field string
	From  int
	To    int
}

func (a Adjustment) String() string {
	return fmt.Sprintf("%s %d -> %d", a.Field, a.From, a.To)
}

// Normalize clamps the fields op uses into their valid ranges and reports
// every change it made.
func (p Params) Normalize(op Operation) (Params, []Adjustment) {
	var adj []Adjustment
	clamp := func(field string, v *int, lo, hi int) {
		c := min(max(*v, lo), hi)
		if c != *v {
			adj = append(adj, Adjustment{Field: field, From: *v, To: c})
			*v = c
		}
	}
	rgb := func() {
		clamp("red", &p.Red, MinChannel, MaxChannel)
		clamp("green", &p.Green, MinChannel, MaxChannel)
		clamp("blue", &p.Blue, MinChannel, MaxChannel)
	}

	switch op {
	case OpSetColor:
		rgb()
		clamp("gain", &p.Gain, MinPercent, MaxPercent)
		clamp("white", &p.White, MinPercent, MaxPercent)
	case OpSetWhite:
		rgb()
		clamp("white", &p.White, MinPercent, MaxPercent)
		clamp("gain", &p.Gain, MinPercent, MaxPercent)
		clamp("brightness", &p.Brightness, MinPercent, MaxPercent)
		clamp("temp", &p.Temp, MinKelvin, MaxKelvin)
	case OpSetTemperature:
		clamp("temp", &p.Temp, MinKelvin, MaxKelvin)
	case OpSetBrightness:
		clamp("brightness", &p.Brightness, MinPercent, MaxPercent)
	}
	return p, adj
}
