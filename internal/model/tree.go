// Package model builds the consumer-facing device tree from a merged
// legacy body.
package model

import "nestobserve/internal/legacy"

// DeviceTree is rebuilt in full for every emitted update.
type DeviceTree struct {
	Devices    Devices                       `json:"devices"`
	Structures map[string]*legacy.Structure `json:"structures"`
}

// Devices groups the tree's devices by type. Cameras, guards and
// detects are never produced from the stream and stay empty.
type Devices struct {
	Thermostats     map[string]*Thermostat     `json:"thermostats"`
	HomeAwaySensors map[string]*HomeAwaySensor `json:"home_away_sensors"`
	TempSensors     map[string]*TempSensor     `json:"temp_sensors"`
	SmokeCOAlarms   map[string]*SmokeCOAlarm   `json:"smoke_co_alarms"`
	Cameras         map[string]any             `json:"cameras"`
	Locks           map[string]*Lock           `json:"locks"`
	Guards          map[string]any             `json:"guards"`
	Detects         map[string]any             `json:"detects"`
}

func newDevices() Devices {
	return Devices{
		Thermostats:     map[string]*Thermostat{},
		HomeAwaySensors: map[string]*HomeAwaySensor{},
		TempSensors:     map[string]*TempSensor{},
		SmokeCOAlarms:   map[string]*SmokeCOAlarm{},
		Cameras:         map[string]any{},
		Locks:           map[string]*Lock{},
		Guards:          map[string]any{},
		Detects:         map[string]any{},
	}
}

// Thermostat is the device and shared bags flattened together, plus
// derived display fields.
type Thermostat struct {
	legacy.Thermostat
	legacy.Shared

	Name                  string  `json:"name"`
	WhereName             *string `json:"where_name,omitempty"`
	UsesHeatLink          bool    `json:"uses_heat_link"`
	FanTimerActive        bool    `json:"fan_timer_active"`
	PreviousHvacMode      string  `json:"previous_hvac_mode"`
	HasEcoMode            bool    `json:"has_eco_mode"`
	HvacMode              string  `json:"hvac_mode"`
	HvacState             string  `json:"hvac_state"`
	SoftwareVersion       *string `json:"software_version,omitempty"`
	IsOnline              bool    `json:"is_online"`
	HasTemperatureSensors bool    `json:"has_temperature_sensors,omitempty"`
}

// HomeAwaySensor is the per-structure occupancy pseudo-device.
type HomeAwaySensor struct {
	StructureID     string  `json:"structure_id"`
	DeviceID        string  `json:"device_id"`
	SoftwareVersion *string `json:"software_version"`
	SerialNumber    string  `json:"serial_number"`
	Name            string  `json:"name"`
	Model           string  `json:"model"`
	Away            *bool   `json:"away"`
}

// TempSensor is a remote sensor attached to a thermostat.
type TempSensor struct {
	ThermostatDeviceID string   `json:"thermostat_device_id"`
	StructureID        string   `json:"structure_id"`
	DeviceID           string   `json:"device_id"`
	SerialNumber       *string  `json:"serial_number,omitempty"`
	Name               string   `json:"name"`
	CurrentTemperature *float64 `json:"current_temperature,omitempty"`
	TemperatureScale   *string  `json:"temperature_scale,omitempty"`
	BatteryVoltage     float64  `json:"battery_voltage"`
	UsingProtobuf      bool     `json:"using_protobuf"`
	ProtobufDeviceType string   `json:"protobuf_device_type,omitempty"`
}

// SmokeCOAlarm is a protect with its alarm states spelled out.
type SmokeCOAlarm struct {
	legacy.Protect

	WhereName       *string `json:"where_name,omitempty"`
	Name            string  `json:"name"`
	SmokeAlarmState string  `json:"smoke_alarm_state"`
	COAlarmState    string  `json:"co_alarm_state"`
	BatteryHealth   string  `json:"battery_health"`
	IsOnline        bool    `json:"is_online"`
}

// Lock is a door lock with a display name.
type Lock struct {
	legacy.Lock

	WhereName       *string `json:"where_name,omitempty"`
	Name            string  `json:"name"`
	SoftwareVersion *string `json:"software_version,omitempty"`
}
