package legacy

import "time"

// JSON shapes of the decoded traits, as rendered by traits.Codec with
// proto field names. Wrapper and message fields are pointers because
// unset ones render as null.

type userInfoValue struct {
	LegacyID string `json:"legacy_id"`
}

type structureInfoValue struct {
	LegacyID string  `json:"legacy_id"`
	Name     *string `json:"name"`
}

type annotation struct {
	Info *struct {
		ID   *string `json:"id"`
		Name *string `json:"name"`
	} `json:"info"`
}

type locatedAnnotationsValue struct {
	Annotations       []annotation `json:"annotations"`
	CustomAnnotations []annotation `json:"custom_annotations"`
}

type livenessValue struct {
	Status string `json:"status"`
}

type peerDevicesValue struct {
	Devices []struct {
		Data *struct {
			DeviceID   *string `json:"device_id"`
			DeviceType *string `json:"device_type"`
			FwVersion  string  `json:"fw_version"`
		} `json:"data"`
	} `json:"devices"`
}

type deviceLocatedSettingsValue struct {
	WhereID     *string `json:"where_id"`
	FixtureType *struct {
		MajorType string `json:"major_type"`
	} `json:"fixture_type"`
}

type deviceIdentityValue struct {
	ModelName    *string `json:"model_name"`
	SerialNumber string  `json:"serial_number"`
	FwVersion    string  `json:"fw_version"`
}

type hvacEquipmentCapabilitiesValue struct {
	CanHeat bool `json:"can_heat"`
	CanCool bool `json:"can_cool"`
}

type hvacControlValue struct {
	Settings *struct {
		IsHeating bool `json:"is_heating"`
		IsCooling bool `json:"is_cooling"`
	} `json:"settings"`
}

type targetTemperatureSettingsValue struct {
	Active   *bool `json:"active"`
	Settings *struct {
		HvacMode              string   `json:"hvac_mode"`
		TargetTemperatureHeat *float64 `json:"target_temperature_heat"`
		TargetTemperatureCool *float64 `json:"target_temperature_cool"`
	} `json:"settings"`
}

type fanControlValue struct {
	CurrentSpeed string `json:"current_speed"`
}

type fanControlSettingsValue struct {
	Mode              string     `json:"mode"`
	FanTimerTimeout   *time.Time `json:"fan_timer_timeout"`
	HvacOverrideSpeed string     `json:"hvac_override_speed"`
	ScheduleSpeed     string     `json:"schedule_speed"`
	ScheduleDutyCycle uint32     `json:"schedule_duty_cycle"`
	ScheduleStartTime uint32     `json:"schedule_start_time"`
	ScheduleEndTime   uint32     `json:"schedule_end_time"`
	TimerSpeed        string     `json:"timer_speed"`
}

type ecoModeStateValue struct {
	EcoEnabled string `json:"eco_enabled"`
}

type ecoThreshold struct {
	Enabled     bool     `json:"enabled"`
	Temperature *float64 `json:"temperature"`
}

type ecoModeSettingsValue struct {
	AutoEcoEnabled bool          `json:"auto_eco_enabled"`
	Low            *ecoThreshold `json:"low"`
	High           *ecoThreshold `json:"high"`
}

type displaySettingsValue struct {
	Units string `json:"units"`
}

type rcsSettingsValue struct {
	AssociatedRCSSensors []struct {
		DeviceID *struct {
			ResourceID string `json:"resource_id"`
		} `json:"device_id"`
	} `json:"associated_rcs_sensors"`
}

type temperatureValue struct {
	Temperature *struct {
		Value *float64 `json:"value"`
	} `json:"temperature"`
}

type humidityValue struct {
	Humidity *struct {
		Value *float64 `json:"value"`
	} `json:"humidity"`
}

type boltLockValue struct {
	ActuatorState string `json:"actuator_state"`
	LockedState   string `json:"locked_state"`
}

type structureModeValue struct {
	StructureMode string `json:"structure_mode"`
}

type batteryValue struct {
	ReplacementIndicator string `json:"replacement_indicator"`
	AssessedVoltage      *struct {
		Value float64 `json:"value"`
	} `json:"assessed_voltage"`
}
