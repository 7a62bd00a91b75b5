package shelly

import (
	"errors"
	"testing"

	"shelly-go-home/internal/device"
)

func TestSubscriptions(t *testing.T) {
	subs := NewCodec("").Subscriptions()
	want := []string{
		"shellies/+/color/0/status",
		"shellies/+/light/0/power",
		"shellies/+/light/0/energy",
		"shellies/+/online",
	}
	if len(subs) != len(want) {
		t.Fatalf("subs = %v", subs)
	}
	for i := range want {
		if subs[i] != want[i] {
			t.Errorf("subs[%d] = %q, want %q", i, subs[i], want[i])
		}
	}
}

func TestParseTopic(t *testing.T) {
	c := NewCodec("shellies")
	tests := []struct {
		topic   string
		want    Topic
		wantErr bool
	}{
		{"shellies/bulb1/color/0/status", Topic{"bulb1", "color", "0", "status"}, false},
		{"shellies/bulb1/online", Topic{Alias: "bulb1", Kind: "online"}, false},
		{"shellies/bulb1/light/0/power", Topic{"bulb1", "light", "0", "power"}, false},
		{"other/bulb1/online", Topic{}, true},
		{"shellies/bulb1", Topic{}, true},
		{"shellies//online", Topic{}, true},
	}
	for _, tt := range tests {
		got, err := c.ParseTopic(tt.topic)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTopic(%q) err = %v", tt.topic, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTopic(%q) = %+v, want %+v", tt.topic, got, tt.want)
		}
	}
}

func TestDecode(t *testing.T) {
	c := NewCodec("")

	msg, err := c.Decode("shellies/bulb1/color/0/status", []byte(`{"ison":true,"mode":"white","brightness":42,"temp":3000}`))
	if err != nil {
		t.Fatal(err)
	}
	a := msg.Attributes
	if msg.Alias != "bulb1" || a.IsOn == nil || !*a.IsOn || *a.Mode != "white" || *a.Brightness != 42 || *a.Temp != 3000 {
		t.Errorf("status decode = %+v", msg)
	}
	if a.Red != nil || a.Gain != nil {
		t.Error("missing fields must stay unset")
	}

	msg, err = c.Decode("shellies/bulb1/online", []byte("TRUE"))
	if err != nil || msg.Attributes.Online == nil || !*msg.Attributes.Online {
		t.Errorf("online decode = %+v, %v", msg, err)
	}

	msg, err = c.Decode("shellies/bulb1/light/0/power", []byte("12.5"))
	if err != nil || msg.Attributes.Power == nil || *msg.Attributes.Power != 12.5 {
		t.Errorf("power decode = %+v, %v", msg, err)
	}

	msg, err = c.Decode("shellies/bulb1/light/0/energy", []byte(" 301 "))
	if err != nil || msg.Attributes.Energy == nil || *msg.Attributes.Energy != 301 {
		t.Errorf("energy decode = %+v, %v", msg, err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	c := NewCodec("")
	tests := []struct {
		topic   string
		payload string
		want    error
	}{
		{"shellies/bulb1/color/0/status", `{"ison":`, ErrMalformedPayload},
		{"shellies/bulb1/light/0/power", "n/a", ErrMalformedPayload},
		{"shellies/bulb1/online", "maybe", ErrMalformedPayload},
		{"shellies/bulb1/relay/0/status", "{}", ErrUnknownTopic},
		{"shellies/bulb1/light/0/voltage", "1", ErrUnknownTopic},
	}
	for _, tt := range tests {
		_, err := c.Decode(tt.topic, []byte(tt.payload))
		if !errors.Is(err, tt.want) {
			t.Errorf("Decode(%q, %q) err = %v, want %v", tt.topic, tt.payload, err, tt.want)
		}
	}
}

func TestEncode(t *testing.T) {
	c := NewCodec("shellies")
	tests := []struct {
		op      device.Operation
		params  device.Params
		topic   string
		payload string
	}{
		{device.OpPowerOn, device.Params{}, "shellies/b1/color/0/command", "on"},
		{device.OpPowerOff, device.Params{}, "shellies/b1/color/0/command", "off"},
		{device.OpSetColor, device.Params{Red: 255, Green: 10, Blue: 0, Gain: 80},
			"shellies/b1/color/0/set", `{"mode":"color","red":255,"green":10,"blue":0,"gain":80,"white":0}`},
		{device.OpSetWhite, device.DefaultParams(device.OpSetWhite),
			"shellies/b1/color/0/set", `{"mode":"white","white":0,"gain":100,"red":0,"green":0,"blue":0,"brightness":100,"temp":4750}`},
		{device.OpSetTemperature, device.Params{Temp: 3000}, "shellies/b1/color/0/set", `{"mode":"white","temp":3000}`},
		{device.OpSetBrightness, device.Params{Brightness: 30}, "shellies/b1/color/0/set", `{"brightness":30}`},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			cmd, err := c.Encode("b1", tt.op, tt.params)
			if err != nil {
				t.Fatal(err)
			}
			if cmd.Topic != tt.topic {
				t.Errorf("topic = %q, want %q", cmd.Topic, tt.topic)
			}
			if string(cmd.Payload) != tt.payload {
				t.Errorf("payload = %s, want %s", cmd.Payload, tt.payload)
			}
			if cmd.Expected.Empty() {
				t.Error("expected attributes should not be empty")
			}
		})
	}

	if _, err := c.Encode("", device.OpPowerOn, device.Params{}); err == nil {
		t.Error("expected error for empty alias")
	}
	if _, err := c.Encode("b1", device.Operation("blink"), device.Params{}); err == nil {
		t.Error("expected error for unknown operation")
	}
}

func TestRefresh(t *testing.T) {
	cmd := NewCodec("home/shellies/").Refresh("b1")
	if cmd.Topic != "home/shellies/b1/command" || string(cmd.Payload) != "update" {
		t.Errorf("refresh = %s %s", cmd.Topic, cmd.Payload)
	}
}
