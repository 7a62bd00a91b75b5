// Package shelly maps between the Shelly MQTT topic layout and the gateway's
// device model.
//
// Status topics:
//
//	{prefix}/{alias}/color/0/status   JSON {ison, mode, brightness, temp, red, green, blue, gain}
//	{prefix}/{alias}/light/0/power    float watts
//	{prefix}/{alias}/light/0/energy   float
//	{prefix}/{alias}/online           "true" | "false"
//
// Command topics:
//
//	{prefix}/{alias}/color/0/command  "on" | "off"
//	{prefix}/{alias}/color/0/set      JSON attribute object
//	{prefix}/{alias}/command          "update" (ask the device to re-announce)
package shelly

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"shelly-go-home/internal/device"
)

// DefaultPrefix is the topic root Shelly firmware publishes under.
const DefaultPrefix = "shellies"

var (
	// ErrUnknownTopic is returned for topics outside the recognized status set.
	ErrUnknownTopic = errors.New("shelly: unrecognized topic")
	// ErrMalformedPayload wraps payloads that cannot be decoded.
	ErrMalformedPayload = errors.New("shelly: malformed payload")
)

// Codec encodes commands and decodes status messages for one topic prefix.
type Codec struct {
	prefix string
}

// NewCodec returns a codec rooted at prefix, or DefaultPrefix when empty.
func NewCodec(prefix string) Codec {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Codec{prefix: prefix}
}

// Prefix returns the topic prefix without slashes.
func (c Codec) Prefix() string { return c.prefix }

// Subscriptions returns the status topic filters the gateway listens on.
func (c Codec) Subscriptions() []string {
	return []string{
		c.prefix + "/+/color/0/status",
		c.prefix + "/+/light/0/power",
		c.prefix + "/+/light/0/energy",
		c.prefix + "/+/online",
	}
}

// Topic identifies the parts of a status topic below the prefix.
type Topic struct {
	Alias   string
	Channel string
	Index   string
	Kind    string
}

// ParseTopic splits a status topic. Two shapes are accepted:
// {prefix}/{alias}/{channel}/{index}/{kind} and {prefix}/{alias}/online.
func (c Codec) ParseTopic(topic string) (Topic, error) {
	rest, ok := strings.CutPrefix(topic, c.prefix+"/")
	if !ok {
		return Topic{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[1] == "online" && parts[0] != "":
		return Topic{Alias: parts[0], Kind: "online"}, nil
	case len(parts) == 4 && parts[0] != "":
		return Topic{Alias: parts[0], Channel: parts[1], Index: parts[2], Kind: parts[3]}, nil
	}
	return Topic{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
}

// Message is a decoded status update.
type Message struct {
	Alias      string
	Attributes device.Attributes
}

type colorStatus struct {
	IsOn       *bool   `json:"ison"`
	Mode       *string `json:"mode"`
	Brightness *int    `json:"brightness"`
	Temp       *int    `json:"temp"`
	Red        *int    `json:"red"`
	Green      *int    `json:"green"`
	Blue       *int    `json:"blue"`
	Gain       *int    `json:"gain"`
}

// Decode turns an inbound status message into a partial attribute update.
// Fields absent from the payload stay unset.
func (c Codec) Decode(topic string, payload []byte) (Message, error) {
	t, err := c.ParseTopic(topic)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Alias: t.Alias}

	switch {
	case t.Kind == "online":
		switch strings.ToLower(strings.TrimSpace(string(payload))) {
		case "true":
			msg.Attributes.Online = device.Bool(true)
		case "false":
			msg.Attributes.Online = device.Bool(false)
		default:
			return Message{}, fmt.Errorf("%w: online %q", ErrMalformedPayload, payload)
		}

	case t.Channel == "color" && t.Index == "0" && t.Kind == "status":
		var st colorStatus
		if err := json.Unmarshal(payload, &st); err != nil {
			return Message{}, fmt.Errorf("%w: status: %w", ErrMalformedPayload, err)
		}
		msg.Attributes = device.Attributes{
			IsOn:       st.IsOn,
			Mode:       st.Mode,
			Brightness: st.Brightness,
			Temp:       st.Temp,
			Red:        st.Red,
			Green:      st.Green,
			Blue:       st.Blue,
			Gain:       st.Gain,
		}

	case t.Channel == "light" && t.Index == "0" && (t.Kind == "power" || t.Kind == "energy"):
		v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, t.Kind, err)
		}
		if t.Kind == "power" {
			msg.Attributes.Power = device.Float(v)
		} else {
			msg.Attributes.Energy = device.Float(v)
		}

	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return msg, nil
}

// Command is an encoded outbound message plus the state the device is
// expected to reach once it applies it.
type Command struct {
	Topic    string
	Payload  []byte
	Expected device.Attributes
}

type colorSet struct {
	Mode  string `json:"mode"`
	Red   int    `json:"red"`
	Green int    `json:"green"`
	Blue  int    `json:"blue"`
	Gain  int    `json:"gain"`
	White int    `json:"white"`
}

type whiteSet struct {
	Mode       string `json:"mode"`
	White      int    `json:"white"`
	Gain       int    `json:"gain"`
	Red        int    `json:"red"`
	Green      int    `json:"green"`
	Blue       int    `json:"blue"`
	Brightness int    `json:"brightness"`
	Temp       int    `json:"temp"`
}

type temperatureSet struct {
	Mode string `json:"mode"`
	Temp int    `json:"temp"`
}

type brightnessSet struct {
	Brightness int `json:"brightness"`
}

// Encode builds the message for op. Params are expected to be normalized.
func (c Codec) Encode(alias string, op device.Operation, p device.Params) (Command, error) {
	if alias == "" {
		return Command{}, errors.New("shelly: empty device alias")
	}
	base := c.prefix + "/" + alias + "/color/0/"

	var (
		body any
		exp  device.Attributes
	)
	switch op {
	case device.OpPowerOn:
		return Command{Topic: base + "command", Payload: []byte("on"), Expected: device.Attributes{IsOn: device.Bool(true)}}, nil
	case device.OpPowerOff:
		return Command{Topic: base + "command", Payload: []byte("off"), Expected: device.Attributes{IsOn: device.Bool(false)}}, nil
	case device.OpSetColor:
		body = colorSet{Mode: "color", Red: p.Red, Green: p.Green, Blue: p.Blue, Gain: p.Gain, White: p.White}
		exp = device.Attributes{
			Mode: device.String("color"), Red: device.Int(p.Red), Green: device.Int(p.Green),
			Blue: device.Int(p.Blue), Gain: device.Int(p.Gain), White: device.Int(p.White),
		}
	case device.OpSetWhite:
		body = whiteSet{Mode: "white", White: p.White, Gain: p.Gain, Red: p.Red, Green: p.Green,
			Blue: p.Blue, Brightness: p.Brightness, Temp: p.Temp}
		exp = device.Attributes{
			Mode: device.String("white"), White: device.Int(p.White), Gain: device.Int(p.Gain),
			Red: device.Int(p.Red), Green: device.Int(p.Green), Blue: device.Int(p.Blue),
			Brightness: device.Int(p.Brightness), Temp: device.Int(p.Temp),
		}
	case device.OpSetTemperature:
		body = temperatureSet{Mode: "white", Temp: p.Temp}
		exp = device.Attributes{Mode: device.String("white"), Temp: device.Int(p.Temp)}
	case device.OpSetBrightness:
		body = brightnessSet{Brightness: p.Brightness}
		exp = device.Attributes{Brightness: device.Int(p.Brightness)}
	default:
		return Command{}, fmt.Errorf("shelly: unsupported operation %q", op)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Command{}, fmt.Errorf("shelly: encode %s: %w", op, err)
	}
	return Command{Topic: base + "set", Payload: payload, Expected: exp}, nil
}

// Refresh builds the announce request for a device.
func (c Codec) Refresh(alias string) Command {
	return Command{Topic: c.prefix + "/" + alias + "/command", Payload: []byte("update")}
}
