// Package legacy holds the REST-shaped device body and the translator
// that maps decoded traits onto it.
package legacy

// Kind names a top-level section of the body.
type Kind string

// Body kinds.
const (
	KindStructure   Kind = "structure"
	KindThermostat  Kind = "device"
	KindShared      Kind = "shared"
	KindProtect     Kind = "topaz"
	KindSensor      Kind = "kryptonite"
	KindLock        Kind = "yale"
	KindWhere       Kind = "where"
	KindRCSSettings Kind = "rcs_settings"
	KindTrack       Kind = "track"
)

// Body is the legacy object model, one map per kind keyed by legacy id.
// Optional properties are pointers so an unset field and an explicit
// zero stay distinguishable after a JSON round trip.
type Body struct {
	Structure   map[string]*Structure   `json:"structure,omitempty"`
	Device      map[string]*Thermostat  `json:"device,omitempty"`
	Shared      map[string]*Shared      `json:"shared,omitempty"`
	Topaz       map[string]*Protect     `json:"topaz,omitempty"`
	Kryptonite  map[string]*Sensor      `json:"kryptonite,omitempty"`
	Yale        map[string]*Lock        `json:"yale,omitempty"`
	Where       map[string]*Where       `json:"where,omitempty"`
	RCSSettings map[string]*RCSSettings `json:"rcs_settings,omitempty"`
	Track       map[string]*Track       `json:"track,omitempty"`
}

// NewBody returns a Body with every section allocated.
func NewBody() *Body {
	return &Body{
		Structure:   map[string]*Structure{},
		Device:      map[string]*Thermostat{},
		Shared:      map[string]*Shared{},
		Topaz:       map[string]*Protect{},
		Kryptonite:  map[string]*Sensor{},
		Yale:        map[string]*Lock{},
		Where:       map[string]*Where{},
		RCSSettings: map[string]*RCSSettings{},
		Track:       map[string]*Track{},
	}
}

// Empty reports whether the body holds no entries at all.
func (b *Body) Empty() bool {
	return b == nil || len(b.Structure)+len(b.Device)+len(b.Shared)+len(b.Topaz)+
		len(b.Kryptonite)+len(b.Yale)+len(b.Where)+len(b.RCSSettings)+len(b.Track) == 0
}

// Mounted reports whether id has a property bag of a device kind. A
// thermostat needs both its device and shared bags.
func (b *Body) Mounted(id string) bool {
	if b.Device[id] != nil && b.Shared[id] != nil {
		return true
	}
	return b.Topaz[id] != nil || b.Kryptonite[id] != nil || b.Yale[id] != nil
}

// common returns the properties shared by every device kind for id.
func (b *Body) common(kind Kind, id string) *DeviceInfo {
	switch kind {
	case KindThermostat:
		if d := b.Device[id]; d != nil {
			return &d.DeviceInfo
		}
	case KindProtect:
		if d := b.Topaz[id]; d != nil {
			return &d.DeviceInfo
		}
	case KindSensor:
		if d := b.Kryptonite[id]; d != nil {
			return &d.DeviceInfo
		}
	case KindLock:
		if d := b.Yale[id]; d != nil {
			return &d.DeviceInfo
		}
	}
	return nil
}

// Structure is a home.
type Structure struct {
	StructureID    string   `json:"structure_id,omitempty"`
	NewStructureID string   `json:"new_structure_id,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
	UsingProtobuf  bool     `json:"using_protobuf,omitempty"`
	Name           *string  `json:"name,omitempty"`
	Swarm          []string `json:"swarm,omitempty"`
	ProtobufAway   *bool    `json:"protobuf_away,omitempty"`
	Away           *bool    `json:"away,omitempty"`
}

// DeviceInfo holds the properties every mounted device carries.
type DeviceInfo struct {
	UsingProtobuf      bool     `json:"using_protobuf,omitempty"`
	DeviceID           string   `json:"device_id,omitempty"`
	StructureID        string   `json:"structure_id,omitempty"`
	CurrentVersion     *string  `json:"current_version,omitempty"`
	UserID             string   `json:"user_id,omitempty"`
	ProtobufDeviceType string   `json:"protobuf_device_type,omitempty"`
	WhereID            *string  `json:"where_id,omitempty"`
	FixtureType        *string  `json:"fixture_type,omitempty"`
	SerialNumber       *string  `json:"serial_number,omitempty"`
	ModelName          *string  `json:"model_name,omitempty"`
	Description        *string  `json:"description,omitempty"`
	CurrentTemperature *float64 `json:"current_temperature,omitempty"`
	BatteryStatus      *string  `json:"battery_status,omitempty"`
	BatteryVoltage     *float64 `json:"battery_voltage,omitempty"`
}

// Eco is the thermostat eco block.
type Eco struct {
	Mode string `json:"mode"`
}

// Thermostat is the per-device half of a thermostat.
type Thermostat struct {
	DeviceInfo

	CanHeat         *bool `json:"can_heat,omitempty"`
	CanCool         *bool `json:"can_cool,omitempty"`
	HvacHeaterState *bool `json:"hvac_heater_state,omitempty"`
	HvacACState     *bool `json:"hvac_ac_state,omitempty"`
	HvacFanState    *bool `json:"hvac_fan_state,omitempty"`

	HasFan           *bool    `json:"has_fan,omitempty"`
	FanTimerActive   *bool    `json:"fan_timer_active,omitempty"`
	FanTimerTimeout  *int64   `json:"fan_timer_timeout,omitempty"`
	FanTimerDuration *float64 `json:"fan_timer_duration,omitempty"`

	FanModeProtobuf              *string `json:"fan_mode_protobuf,omitempty"`
	FanHvacOverrideSpeedProtobuf *string `json:"fan_hvac_override_speed_protobuf,omitempty"`
	FanScheduleSpeedProtobuf     *string `json:"fan_schedule_speed_protobuf,omitempty"`
	FanScheduleDutyCycleProtobuf *uint32 `json:"fan_schedule_duty_cycle_protobuf,omitempty"`
	FanScheduleStartTimeProtobuf *uint32 `json:"fan_schedule_start_time_protobuf,omitempty"`
	FanScheduleEndTimeProtobuf   *uint32 `json:"fan_schedule_end_time_protobuf,omitempty"`
	FanTimerSpeedProtobuf        *string `json:"fan_timer_speed_protobuf,omitempty"`

	Eco                        *Eco     `json:"eco,omitempty"`
	AutoAwayEnable             *bool    `json:"auto_away_enable,omitempty"`
	AwayTemperatureLow         *float64 `json:"away_temperature_low,omitempty"`
	AwayTemperatureLowEnabled  *bool    `json:"away_temperature_low_enabled,omitempty"`
	AwayTemperatureHigh        *float64 `json:"away_temperature_high,omitempty"`
	AwayTemperatureHighEnabled *bool    `json:"away_temperature_high_enabled,omitempty"`

	TemperatureScale     *string  `json:"temperature_scale,omitempty"`
	BackplateTemperature *float64 `json:"backplate_temperature,omitempty"`
	CurrentHumidity      *float64 `json:"current_humidity,omitempty"`

	HeatLinkConnection *string  `json:"heat_link_connection,omitempty"`
	MaintBandLower     *float64 `json:"maint_band_lower,omitempty"`
	Leaf               *bool    `json:"leaf,omitempty"`
}

// Shared is the user-facing half of a thermostat.
type Shared struct {
	Name                  *string  `json:"name,omitempty"`
	TargetTemperatureType *string  `json:"target_temperature_type,omitempty"`
	TargetTemperatureLow  *float64 `json:"target_temperature_low,omitempty"`
	TargetTemperatureHigh *float64 `json:"target_temperature_high,omitempty"`
	TargetTemperature     *float64 `json:"target_temperature,omitempty"`
}

// Protect is a smoke and CO alarm.
type Protect struct {
	DeviceInfo

	Model                   *string `json:"model,omitempty"`
	SmokeStatus             *int    `json:"smoke_status,omitempty"`
	COStatus                *int    `json:"co_status,omitempty"`
	BatteryHealthState      *int    `json:"battery_health_state,omitempty"`
	ComponentWifiTestPassed *bool   `json:"component_wifi_test_passed,omitempty"`
}

// Sensor is a remote temperature sensor.
type Sensor struct {
	DeviceInfo

	BatteryLevel *float64 `json:"battery_level,omitempty"`
}

// Lock is a door lock.
type Lock struct {
	DeviceInfo

	BoltLocked   *bool `json:"bolt_locked,omitempty"`
	BoltMoving   *bool `json:"bolt_moving,omitempty"`
	BoltMovingTo *bool `json:"bolt_moving_to,omitempty"`
}

// WhereEntry names one room.
type WhereEntry struct {
	WhereID string `json:"where_id"`
	Name    string `json:"name"`
}

// Where is the room list of a structure.
type Where struct {
	Wheres []WhereEntry `json:"wheres"`
}

// RCSSettings lists the sensors a thermostat reads from, as "kryptonite.<id>".
type RCSSettings struct {
	AssociatedRCSSensors []string `json:"associated_rcs_sensors"`
}

// Track is device reachability.
type Track struct {
	Online bool `json:"online"`
}
