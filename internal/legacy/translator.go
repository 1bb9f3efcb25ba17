package legacy

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"nestobserve/internal/apierr"
	"nestobserve/internal/clock"
	"nestobserve/internal/traits"
)

// Trait keys handled by the translator.
const (
	TraitUserInfo                     = "user_info"
	TraitStructureInfo                = "structure_info"
	TraitLocatedAnnotations           = "located_annotations"
	TraitLiveness                     = "liveness"
	TraitPeerDevices                  = "peer_devices"
	TraitDeviceLocatedSettings        = "device_located_settings"
	TraitDeviceIdentity               = "device_identity"
	TraitHvacEquipmentCapabilities    = "hvac_equipment_capabilities"
	TraitHvacControl                  = "hvac_control"
	TraitTargetTemperatureSettings    = "target_temperature_settings"
	TraitFanControl                   = "fan_control"
	TraitFanControlSettings           = "fan_control_settings"
	TraitEcoModeState                 = "eco_mode_state"
	TraitEcoModeSettings              = "eco_mode_settings"
	TraitDisplaySettings              = "display_settings"
	TraitRemoteComfortSensingSettings = "remote_comfort_sensing_settings"
	TraitBackplateTemperature         = "backplate_temperature"
	TraitCurrentTemperature           = "current_temperature"
	TraitCurrentHumidity              = "current_humidity"
	TraitBoltLock                     = "bolt_lock"
	TraitStructureMode                = "structure_mode"
	TraitBatteryPowerSource           = "battery_power_source"
	TraitBattery                      = "battery"
)

// Resource types mounted from peer_devices.
var (
	thermostatTypes = []string{
		"nest.resource.NestLearningThermostat3Resource",
		"nest.resource.NestAgateDisplayResource",
		"nest.resource.NestOnyxResource",
		"google.resource.GoogleZirconium1Resource",
	}
	sensorType = "nest.resource.NestKryptoniteResource"
	lockType   = "yale.resource.LinusLockResource"
)

// errNotMounted marks traits for resources that have no bag yet.
var errNotMounted = errors.New("not mounted")

type handlerFunc func(t *Translator, body *Body, tr traits.Trait, id string) error

type handler struct {
	name  string
	apply handlerFunc
}

// handlers run in this order over each batch so that users and
// structures exist before peer_devices mounts into them, and devices are
// mounted before their own traits are applied.
var handlers = []handler{
	{TraitUserInfo, applyUserInfo},
	{TraitStructureInfo, applyStructureInfo},
	{TraitLocatedAnnotations, applyLocatedAnnotations},
	{TraitLiveness, applyLiveness},
	{TraitPeerDevices, applyPeerDevices},
	{TraitDeviceLocatedSettings, applyDeviceLocatedSettings},
	{TraitDeviceIdentity, applyDeviceIdentity},
	{TraitHvacEquipmentCapabilities, applyHvacEquipmentCapabilities},
	{TraitHvacControl, applyHvacControl},
	{TraitTargetTemperatureSettings, applyTargetTemperatureSettings},
	{TraitFanControl, applyFanControl},
	{TraitFanControlSettings, applyFanControlSettings},
	{TraitEcoModeState, applyEcoModeState},
	{TraitEcoModeSettings, applyEcoModeSettings},
	{TraitDisplaySettings, applyDisplaySettings},
	{TraitRemoteComfortSensingSettings, applyRCSSettings},
	{TraitBackplateTemperature, applyBackplateTemperature},
	{TraitCurrentTemperature, applyCurrentTemperature},
	{TraitCurrentHumidity, applyCurrentHumidity},
	{TraitBoltLock, applyBoltLock},
	{TraitStructureMode, applyStructureMode},
	{TraitBatteryPowerSource, applyBattery},
	{TraitBattery, applyBattery},
}

// DeviceListChangedFunc is called when a structure reports a different
// number of peer devices than it did earlier in the session.
type DeviceListChangedFunc func(structureID string, before, after int)

// Result summarises one Apply call.
type Result struct {
	// HasDeviceInfo is set when the batch carried user_info, which the
	// service sends with a full state snapshot.
	HasDeviceInfo bool
	// Applied counts traits that changed the body.
	Applied int
}

// Translator maps traits onto a Body. The id maps it keeps are
// append-only for the life of the session. Not safe for concurrent use.
type Translator struct {
	clock  clock.Clock
	logger *slog.Logger

	userID     string
	structures map[string]string // new structure id -> legacy structure id
	devices    map[string]Kind   // legacy device id -> kind
	peerCount  map[string]int    // legacy structure id -> peer device count

	// OnDeviceListChanged, if set, is told about peer device count drift.
	OnDeviceListChanged DeviceListChangedFunc
}

// NewTranslator returns a Translator with empty id maps.
func NewTranslator(clk clock.Clock, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{
		clock:      clk,
		logger:     logger,
		structures: map[string]string{},
		devices:    map[string]Kind{},
		peerCount:  map[string]int{},
	}
}

// UserID returns the user id learnt from user_info.
func (t *Translator) UserID() string { return t.userID }

// DeviceKind returns the kind a device was mounted as.
func (t *Translator) DeviceKind(id string) (Kind, bool) {
	k, ok := t.devices[id]
	return k, ok
}

// IsSnapshot reports whether msg opens a full state snapshot. The
// service sends user_info only at the start of a snapshot.
func IsSnapshot(msg *traits.StreamMessage) bool {
	if msg == nil {
		return false
	}
	return slices.ContainsFunc(msg.Traits, func(tr traits.Trait) bool {
		return tr.Name == TraitUserInfo
	})
}

// Apply translates msg into body. Traits for unmounted devices and
// traits that fail to decode are skipped; neither is an error.
func (t *Translator) Apply(msg *traits.StreamMessage, body *Body) Result {
	var res Result
	if msg == nil || len(msg.Traits) == 0 {
		return res
	}
	ensureSections(body)

	for _, h := range handlers {
		for _, tr := range msg.Traits {
			if tr.Name != h.name {
				continue
			}
			id := toLegacy(tr.ObjectID)
			err := h.apply(t, body, tr, id)
			switch {
			case err == nil:
				res.Applied++
				if h.name == TraitUserInfo {
					res.HasDeviceInfo = true
				}
			case errors.Is(err, errNotMounted):
				t.logger.Debug("trait for unmounted resource", "trait", tr.Name, "resource", tr.ObjectID)
			default:
				t.logger.Warn("cannot apply trait", "trait", tr.Name, "resource", tr.ObjectID,
					"error", apierr.New(apierr.DecodeError, "translate", err))
			}
		}
	}
	return res
}

func ensureSections(b *Body) {
	if b.Structure == nil {
		b.Structure = map[string]*Structure{}
	}
	if b.Device == nil {
		b.Device = map[string]*Thermostat{}
	}
	if b.Shared == nil {
		b.Shared = map[string]*Shared{}
	}
	if b.Topaz == nil {
		b.Topaz = map[string]*Protect{}
	}
	if b.Kryptonite == nil {
		b.Kryptonite = map[string]*Sensor{}
	}
	if b.Yale == nil {
		b.Yale = map[string]*Lock{}
	}
	if b.Where == nil {
		b.Where = map[string]*Where{}
	}
	if b.RCSSettings == nil {
		b.RCSSettings = map[string]*RCSSettings{}
	}
	if b.Track == nil {
		b.Track = map[string]*Track{}
	}
}

// toLegacy turns "DEVICE_18B430" into "18B430".
func toLegacy(id string) string {
	parts := strings.Split(id, "_")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func applyUserInfo(t *Translator, _ *Body, tr traits.Trait, _ string) error {
	var v userInfoValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	t.logger.Debug("user mapping", "user", tr.ObjectID, "legacy", v.LegacyID)
	t.userID = tr.ObjectID
	return nil
}

func applyStructureInfo(t *Translator, body *Body, tr traits.Trait, id string) error {
	var v structureInfoValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	_, legacyID, ok := strings.Cut(v.LegacyID, ".")
	if !ok || legacyID == "" {
		return fmt.Errorf("malformed legacy structure id %q", v.LegacyID)
	}

	s := &Structure{
		StructureID:    legacyID,
		NewStructureID: id,
		UserID:         t.userID,
		UsingProtobuf:  true,
		Name:           v.Name,
	}
	// Keep membership mounted earlier in the session.
	if old := body.Structure[legacyID]; old != nil {
		s.Swarm = old.Swarm
		s.ProtobufAway = old.ProtobufAway
	}
	body.Structure[legacyID] = s
	t.structures[id] = legacyID
	return nil
}

func applyLocatedAnnotations(t *Translator, body *Body, tr traits.Trait, id string) error {
	structureID, ok := t.structures[id]
	if !ok {
		return errNotMounted
	}
	var v locatedAnnotationsValue
	if err := tr.Decode(&v); err != nil {
		return err
	}

	w := &Where{Wheres: []WhereEntry{}}
	for _, a := range slices.Concat(v.Annotations, v.CustomAnnotations) {
		if a.Info == nil || a.Info.ID == nil || a.Info.Name == nil {
			continue
		}
		w.Wheres = append(w.Wheres, WhereEntry{WhereID: *a.Info.ID, Name: *a.Info.Name})
	}
	body.Where[structureID] = w
	return nil
}

// applyLiveness records reachability without requiring the device to be
// mounted, so peer_devices in the same batch can skip offline devices.
func applyLiveness(t *Translator, body *Body, tr traits.Trait, id string) error {
	var v livenessValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	t.logger.Debug("liveness", "device", id, "status", v.Status)
	body.Track[id] = &Track{Online: v.Status == "LIVENESS_DEVICE_STATUS_ONLINE"}
	return nil
}

func applyPeerDevices(t *Translator, body *Body, tr traits.Trait, id string) error {
	if !strings.HasPrefix(tr.ObjectID, "STRUCTURE_") {
		return errNotMounted
	}
	structureID, ok := t.structures[id]
	if !ok || body.Structure[structureID] == nil {
		t.logger.Debug("no legacy structure for peer devices", "structure", id)
		return errNotMounted
	}
	var v peerDevicesValue
	if err := tr.Decode(&v); err != nil {
		return err
	}

	before, seen := t.peerCount[structureID]
	after := len(v.Devices)
	t.peerCount[structureID] = after
	t.logger.Debug("peer devices", "structure", structureID, "count", after)
	if seen && before != after {
		t.logger.Warn("device count changed", "structure", structureID, "before", before, "after", after)
		if t.OnDeviceListChanged != nil {
			t.OnDeviceListChanged(structureID, before, after)
		}
	}

	for _, d := range v.Devices {
		if d.Data == nil || d.Data.DeviceID == nil || d.Data.DeviceType == nil {
			continue
		}
		deviceID := toLegacy(*d.Data.DeviceID)
		deviceType := *d.Data.DeviceType
		if deviceID == "" {
			continue
		}
		if track := body.Track[deviceID]; track != nil && !track.Online {
			t.logger.Info("ignoring unreachable device", "device", deviceID, "type", deviceType)
			continue
		}

		var kind Kind
		switch {
		case slices.Contains(thermostatTypes, deviceType):
			kind = KindThermostat
		case deviceType == sensorType:
			kind = KindSensor
		case deviceType == lockType:
			kind = KindLock
		default:
			t.logger.Debug("ignoring unsupported device", "device", deviceID, "type", deviceType)
			continue
		}
		t.mount(body, kind, deviceID, structureID, d.Data.FwVersion, deviceType)
	}
	return nil
}

func (t *Translator) mount(body *Body, kind Kind, deviceID, structureID, fwVersion, deviceType string) {
	t.devices[deviceID] = kind
	info := DeviceInfo{
		UsingProtobuf:      true,
		DeviceID:           deviceID,
		StructureID:        structureID,
		CurrentVersion:     &fwVersion,
		UserID:             t.userID,
		ProtobufDeviceType: deviceType,
	}

	switch kind {
	case KindThermostat:
		body.Device[deviceID] = &Thermostat{DeviceInfo: info}
		body.Shared[deviceID] = &Shared{}
	case KindSensor:
		body.Kryptonite[deviceID] = &Sensor{DeviceInfo: info}
	case KindLock:
		body.Yale[deviceID] = &Lock{DeviceInfo: info}
	}

	s := body.Structure[structureID]
	member := string(kind) + "." + deviceID
	if !slices.Contains(s.Swarm, member) {
		s.Swarm = append(s.Swarm, member)
	}
	t.logger.Info("mounted device", "device", deviceID, "kind", kind, "structure", structureID)
}

func (t *Translator) mounted(body *Body, id string) (*DeviceInfo, Kind, bool) {
	if !body.Mounted(id) {
		return nil, "", false
	}
	kind := t.devices[id]
	info := body.common(kind, id)
	return info, kind, info != nil
}

func thermostat(body *Body, id string) (*Thermostat, error) {
	if !body.Mounted(id) || body.Device[id] == nil {
		return nil, errNotMounted
	}
	return body.Device[id], nil
}

func applyDeviceLocatedSettings(t *Translator, body *Body, tr traits.Trait, id string) error {
	info, _, ok := t.mounted(body, id)
	if !ok {
		return errNotMounted
	}
	var v deviceLocatedSettingsValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	if v.WhereID == nil {
		return nil
	}
	info.WhereID = v.WhereID
	info.FixtureType = nil
	if v.FixtureType != nil {
		info.FixtureType = &v.FixtureType.MajorType
	}
	return nil
}

func applyDeviceIdentity(t *Translator, body *Body, tr traits.Trait, id string) error {
	info, kind, ok := t.mounted(body, id)
	if !ok {
		return errNotMounted
	}
	var v deviceIdentityValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	if kind == KindProtect {
		body.Topaz[id].Model = v.ModelName
	} else {
		info.ModelName = v.ModelName
	}
	info.SerialNumber = &v.SerialNumber
	info.CurrentVersion = &v.FwVersion
	return nil
}

func applyHvacEquipmentCapabilities(_ *Translator, body *Body, tr traits.Trait, id string) error {
	d, err := thermostat(body, id)
	if err != nil {
		return err
	}
	var v hvacEquipmentCapabilitiesValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	d.CanHeat = &v.CanHeat
	d.CanCool = &v.CanCool
	return nil
}

func applyHvacControl(_ *Translator, body *Body, tr traits.Trait, id string) error {
	d, err := thermostat(body, id)
	if err != nil {
		return err
	}
	var v hvacControlValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	if v.Settings == nil {
		return errors.New("hvac_control without settings")
	}
	d.HvacHeaterState = &v.Settings.IsHeating
	d.HvacACState = &v.Settings.IsCooling
	return nil
}

func applyTargetTemperatureSettings(_ *Translator, body *Body, tr traits.Trait, id string) error {
	if _, err := thermostat(body, id); err != nil {
		return err
	}
	var v targetTemperatureSettingsValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	if v.Active == nil || v.Settings == nil ||
		v.Settings.TargetTemperatureHeat == nil || v.Settings.TargetTemperatureCool == nil {
		return errors.New("incomplete target temperature settings")
	}

	mode := "off"
	if *v.Active {
		mode = strings.ToLower(v.Settings.HvacMode)
	}
	low, high := *v.Settings.TargetTemperatureHeat, *v.Settings.TargetTemperatureCool

	var target float64
	switch mode {
	case "heat":
		target = low
	case "cool":
		target = high
	default:
		target = 0.5 * (high + low)
	}

	s := body.Shared[id]
	s.TargetTemperatureType = &mode
	s.TargetTemperatureLow = &low
	s.TargetTemperatureHigh = &high
	s.TargetTemperature = &target
	return nil
}

func applyFanControl(_ *Translator, body *Body, tr traits.Trait, id string) error {
	d, err := thermostat(body, id)
	if err != nil {
		return err
	}
	var v fanControlValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	running := slices.Contains([]string{
		"FAN_SPEED_SETTING_STAGE1",
		"FAN_SPEED_SETTING_STAGE2",
		"FAN_SPEED_SETTING_STAGE3",
	}, v.CurrentSpeed)
	d.HvacFanState = &running
	return nil
}

func applyFanControlSettings(t *Translator, body *Body, tr traits.Trait, id string) error {
	d, err := thermostat(body, id)
	if err != nil {
		return err
	}
	var v fanControlSettingsValue
	if err := tr.Decode(&v); err != nil {
		return err
	}

	hasFan := true
	d.HasFan = &hasFan

	var timeout int64
	if v.FanTimerTimeout != nil {
		timeout = v.FanTimerTimeout.Unix()
	}
	active := timeout != 0
	remaining := 0.0
	if active {
		now := float64(t.clock.Now().UnixMilli()) / 1000
		remaining = math.Max(float64(timeout)-now, 0)
	}
	d.FanTimerActive = &active
	d.FanTimerTimeout = &timeout
	d.FanTimerDuration = &remaining

	d.FanModeProtobuf = &v.Mode
	d.FanHvacOverrideSpeedProtobuf = &v.HvacOverrideSpeed
	d.FanScheduleSpeedProtobuf = &v.ScheduleSpeed
	d.FanScheduleDutyCycleProtobuf = &v.ScheduleDutyCycle
	d.FanScheduleStartTimeProtobuf = &v.ScheduleStartTime
	d.FanScheduleEndTimeProtobuf = &v.ScheduleEndTime
	d.FanTimerSpeedProtobuf = &v.TimerSpeed
	return nil
}

func applyEcoModeState(_ *Translator, body *Body, tr traits.Trait, id string) error {
	d, err := thermostat(body, id)
	if err != nil {
		return err
	}
	var v ecoModeStateValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	mode := "manual-eco"
	if v.EcoEnabled == "OFF" {
		mode = "schedule"
	}
	d.Eco = &Eco{Mode: mode}
	return nil
}

func applyEcoModeSettings(_ *Translator, body *Body, tr traits.Trait, id string) error {
	d, err := thermostat(body, id)
	if err != nil {
		return err
	}
	var v ecoModeSettingsValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	if v.Low == nil || v.High == nil || v.Low.Temperature == nil || v.High.Temperature == nil {
		return errors.New("incomplete eco mode settings")
	}
	d.AutoAwayEnable = &v.AutoEcoEnabled
	d.AwayTemperatureLow = v.Low.Temperature
	d.AwayTemperatureLowEnabled = &v.Low.Enabled
	d.AwayTemperatureHigh = v.High.Temperature
	d.AwayTemperatureHighEnabled = &v.High.Enabled
	return nil
}

func applyDisplaySettings(_ *Translator, body *Body, tr traits.Trait, id string) error {
	d, err := thermostat(body, id)
	if err != nil {
		return err
	}
	var v displaySettingsValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	scale := "C"
	if v.Units == "DEGREES_F" {
		scale = "F"
	}
	d.TemperatureScale = &scale
	return nil
}

func applyRCSSettings(t *Translator, body *Body, tr traits.Trait, id string) error {
	if _, _, ok := t.mounted(body, id); !ok {
		return errNotMounted
	}
	var v rcsSettingsValue
	if err := tr.Decode(&v); err != nil {
		return err
	}

	sensors := []string{}
	for _, s := range v.AssociatedRCSSensors {
		if s.DeviceID == nil {
			continue
		}
		if sensorID := toLegacy(s.DeviceID.ResourceID); sensorID != "" {
			sensors = append(sensors, string(KindSensor)+"."+sensorID)
		}
	}
	body.RCSSettings[id] = &RCSSettings{AssociatedRCSSensors: sensors}
	return nil
}

func applyBackplateTemperature(_ *Translator, body *Body, tr traits.Trait, id string) error {
	d, err := thermostat(body, id)
	if err != nil {
		return err
	}
	var v temperatureValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	if v.Temperature == nil || v.Temperature.Value == nil {
		return errors.New("backplate temperature without value")
	}
	d.BackplateTemperature = v.Temperature.Value
	return nil
}

func applyCurrentTemperature(t *Translator, body *Body, tr traits.Trait, id string) error {
	info, _, ok := t.mounted(body, id)
	if !ok {
		return errNotMounted
	}
	var v temperatureValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	if v.Temperature == nil || v.Temperature.Value == nil {
		return errors.New("current temperature without value")
	}
	info.CurrentTemperature = v.Temperature.Value
	return nil
}

func applyCurrentHumidity(_ *Translator, body *Body, tr traits.Trait, id string) error {
	d, err := thermostat(body, id)
	if err != nil {
		return err
	}
	var v humidityValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	if v.Humidity == nil || v.Humidity.Value == nil {
		return errors.New("current humidity without value")
	}
	d.CurrentHumidity = v.Humidity.Value
	return nil
}

func applyBoltLock(t *Translator, body *Body, tr traits.Trait, id string) error {
	if !body.Mounted(id) || body.Yale[id] == nil {
		return errNotMounted
	}
	var v boltLockValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	l := body.Yale[id]
	locked := v.LockedState == "BOLT_LOCKED_STATE_LOCKED"
	moving := v.ActuatorState != "BOLT_ACTUATOR_STATE_OK"
	movingTo := v.ActuatorState == "BOLT_ACTUATOR_STATE_LOCKING"
	l.BoltLocked, l.BoltMoving, l.BoltMovingTo = &locked, &moving, &movingTo
	t.logger.Debug("lock state", "device", id, "actuator", v.ActuatorState, "locked", v.LockedState)
	return nil
}

func applyStructureMode(t *Translator, body *Body, tr traits.Trait, id string) error {
	s := body.Structure[t.structures[id]]
	if s == nil {
		return errNotMounted
	}
	var v structureModeValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	away := slices.Contains([]string{
		"STRUCTURE_MODE_AWAY",
		"STRUCTURE_MODE_SLEEP",
		"STRUCTURE_MODE_VACATION",
	}, v.StructureMode)
	s.ProtobufAway = &away
	return nil
}

func applyBattery(t *Translator, body *Body, tr traits.Trait, id string) error {
	info, _, ok := t.mounted(body, id)
	if !ok {
		return errNotMounted
	}
	var v batteryValue
	if err := tr.Decode(&v); err != nil {
		return err
	}
	info.BatteryStatus = &v.ReplacementIndicator
	info.BatteryVoltage = nil
	if v.AssessedVoltage != nil {
		info.BatteryVoltage = &v.AssessedVoltage.Value
	}
	return nil
}
