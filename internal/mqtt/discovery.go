//go:build !no_mqtt

package mqtt

import "encoding/json"

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/ncsi_sideband/phase/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Device            haDevice `json:"device"`
}

const discoveryID = "ncsi_sideband"

type entity struct {
	component string
	object    string
	name      string
	topic     string
	template  string
	class     string
	state     string
}

var entities = []entity{
	{component: "binary_sensor", object: "ready", name: "Sideband Ready", topic: "state",
		template: "{{ 'ON' if value_json.ready else 'OFF' }}", class: "connectivity"},
	{component: "sensor", object: "phase", name: "Sideband Phase", topic: "state",
		template: "{{ value_json.phase }}"},
	{component: "sensor", object: "channel", name: "Sideband Channel", topic: "state",
		template: "{{ value_json.channel | default('none') }}"},
	{component: "sensor", object: "cycle", name: "Probe Cycles", topic: "state",
		template: "{{ value_json.cycle }}", state: "total_increasing"},
	{component: "sensor", object: "dropped", name: "Dropped Frames", topic: "stats",
		template: "{{ value_json.dropped }}", state: "total_increasing"},
	{component: "sensor", object: "timeouts", name: "Response Timeouts", topic: "stats",
		template: "{{ value_json.stats.timeouts }}", state: "total_increasing"},
}

// buildDiscovery returns the discovery configs for the sideband entities.
func buildDiscovery(prefix string) []discoveryMsg {
	dev := haDevice{
		Identifiers: []string{discoveryID},
		Model:       "NC-SI sideband",
		Name:        "NC-SI Sideband",
	}
	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		d := haDiscovery{
			Name:              e.name,
			UniqueID:          discoveryID + "_" + e.object,
			StateTopic:        prefix + "/" + e.topic,
			AvailabilityTopic: prefix + "/bridge/state",
			ValueTemplate:     e.template,
			DeviceClass:       e.class,
			StateClass:        e.state,
			Device:            dev,
		}
		if e.component == "binary_sensor" {
			d.PayloadOn, d.PayloadOff = "ON", "OFF"
		}
		if e.topic == "stats" {
			d.EntityCategory = "diagnostic"
		}
		payload, err := json.Marshal(d)
		if err != nil {
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   "homeassistant/" + e.component + "/" + discoveryID + "/" + e.object + "/config",
			Payload: payload,
		})
	}
	return msgs
}
