package legacy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestobserve/internal/clock"
	"nestobserve/internal/traits"
	"nestobserve/internal/traits/traitstest"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	codec *traits.Codec
	clock *clock.FakeClock
	tr    *Translator
	body  *Body
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := traits.Load(context.Background(), nil)
	require.NoError(t, err)
	clk := clock.Fake(testNow)
	return &fixture{codec: codec, clock: clk, tr: NewTranslator(clk, nil), body: NewBody()}
}

func (f *fixture) apply(t *testing.T, states ...traitstest.State) Result {
	t.Helper()
	msg, err := f.codec.Decode(traitstest.Frame(t, f.codec, states...))
	require.NoError(t, err)
	return f.tr.Apply(msg, f.body)
}

func structureInfo(id, legacy string) traitstest.State {
	return traitstest.State{
		ObjectID: "STRUCTURE_" + id,
		Key:      TraitStructureInfo,
		Type:     "nest.trait.structure.StructureInfoTrait",
		Value:    `{"legacy_id":"structure.` + legacy + `","name":"Home"}`,
	}
}

func peerDevices(structure string, devices ...[2]string) traitstest.State {
	list := ""
	for i, d := range devices {
		if i > 0 {
			list += ","
		}
		list += `{"data":{"device_id":"DEVICE_` + d[0] + `","device_type":"` + d[1] + `","fw_version":"5.9.3"}}`
	}
	return traitstest.State{
		ObjectID: "STRUCTURE_" + structure,
		Key:      TraitPeerDevices,
		Type:     "nest.trait.system.PeerDevicesTrait",
		Value:    `{"devices":[` + list + `]}`,
	}
}

func currentTemperature(device string, value string) traitstest.State {
	return traitstest.State{
		ObjectID: "DEVICE_" + device,
		Key:      TraitCurrentTemperature,
		Type:     "nest.trait.sensor.CurrentTemperatureTrait",
		Value:    `{"temperature":{"value":` + value + `}}`,
	}
}

const thermostatType = "nest.resource.NestLearningThermostat3Resource"

func TestMountAndCurrentTemperature(t *testing.T) {
	f := newFixture(t)
	res := f.apply(t,
		structureInfo("S1", "1"),
		peerDevices("S1", [2]string{"ABC123", thermostatType}),
		currentTemperature("ABC123", "21.5"),
	)

	assert.Equal(t, 3, res.Applied)
	assert.False(t, res.HasDeviceInfo)

	require.Contains(t, f.body.Device, "ABC123")
	require.Contains(t, f.body.Shared, "ABC123")
	d := f.body.Device["ABC123"]
	require.NotNil(t, d.CurrentTemperature)
	assert.Equal(t, 21.5, *d.CurrentTemperature)
	assert.Equal(t, "1", d.StructureID)
	assert.Equal(t, thermostatType, d.ProtobufDeviceType)
	assert.Equal(t, []string{"device.ABC123"}, f.body.Structure["1"].Swarm)

	kind, ok := f.tr.DeviceKind("ABC123")
	assert.True(t, ok)
	assert.Equal(t, KindThermostat, kind)
}

func TestPeerDevicesMountsBeforeLaterTraitsInBatch(t *testing.T) {
	f := newFixture(t)
	// Arrival order puts the temperature first; it still lands.
	f.apply(t,
		currentTemperature("ABC123", "19"),
		structureInfo("S1", "1"),
		peerDevices("S1", [2]string{"ABC123", thermostatType}),
	)
	require.NotNil(t, f.body.Device["ABC123"].CurrentTemperature)
	assert.Equal(t, 19.0, *f.body.Device["ABC123"].CurrentTemperature)
}

func TestUnmountedDeviceIsIgnored(t *testing.T) {
	f := newFixture(t)
	res := f.apply(t, currentTemperature("GHOST", "21.5"))

	assert.Zero(t, res.Applied)
	assert.NotContains(t, f.body.Device, "GHOST")
	assert.NotContains(t, f.body.Kryptonite, "GHOST")
	assert.True(t, f.body.Empty())
}

func TestRepeatedPeerDevicesDoesNotDuplicateSwarm(t *testing.T) {
	f := newFixture(t)
	f.apply(t, structureInfo("S1", "1"), peerDevices("S1", [2]string{"ABC123", thermostatType}))
	f.apply(t, peerDevices("S1", [2]string{"ABC123", thermostatType}))
	assert.Equal(t, []string{"device.ABC123"}, f.body.Structure["1"].Swarm)
}

func TestPeerDevicesClassification(t *testing.T) {
	f := newFixture(t)
	f.apply(t,
		structureInfo("S1", "1"),
		peerDevices("S1",
			[2]string{"T1", "google.resource.GoogleZirconium1Resource"},
			[2]string{"K1", "nest.resource.NestKryptoniteResource"},
			[2]string{"L1", "yale.resource.LinusLockResource"},
			[2]string{"C1", "google.resource.GoogleNestCamResource"},
		),
	)

	assert.Contains(t, f.body.Device, "T1")
	assert.Contains(t, f.body.Kryptonite, "K1")
	assert.Contains(t, f.body.Yale, "L1")
	assert.ElementsMatch(t, []string{"device.T1", "kryptonite.K1", "yale.L1"}, f.body.Structure["1"].Swarm)
}

func TestPeerDevicesSkipsOfflineDevices(t *testing.T) {
	f := newFixture(t)
	f.apply(t,
		structureInfo("S1", "1"),
		traitstest.State{
			ObjectID: "DEVICE_OFF1",
			Key:      TraitLiveness,
			Type:     "weave.trait.heartbeat.LivenessTrait",
			Value:    `{"status":"LIVENESS_DEVICE_STATUS_UNREACHABLE"}`,
		},
		peerDevices("S1", [2]string{"OFF1", thermostatType}, [2]string{"ON1", thermostatType}),
	)

	assert.NotContains(t, f.body.Device, "OFF1")
	assert.Contains(t, f.body.Device, "ON1")
	require.Contains(t, f.body.Track, "OFF1")
	assert.False(t, f.body.Track["OFF1"].Online)
}

func TestPeerDevicesMountsDeviceWithoutLiveness(t *testing.T) {
	f := newFixture(t)
	f.apply(t, structureInfo("S1", "1"), peerDevices("S1", [2]string{"NEW1", thermostatType}))

	assert.NotContains(t, f.body.Track, "NEW1")
	assert.Contains(t, f.body.Device, "NEW1")
	assert.Equal(t, []string{"device.NEW1"}, f.body.Structure["1"].Swarm)
}

func TestPeerDevicesRequiresKnownStructure(t *testing.T) {
	f := newFixture(t)
	res := f.apply(t, peerDevices("UNKNOWN", [2]string{"ABC123", thermostatType}))
	assert.Zero(t, res.Applied)
	assert.Empty(t, f.body.Device)
}

func TestDeviceListChangedCallback(t *testing.T) {
	f := newFixture(t)
	var calls [][3]any
	f.tr.OnDeviceListChanged = func(structureID string, before, after int) {
		calls = append(calls, [3]any{structureID, before, after})
	}

	f.apply(t, structureInfo("S1", "1"), peerDevices("S1", [2]string{"A", thermostatType}))
	assert.Empty(t, calls)

	f.apply(t, peerDevices("S1", [2]string{"A", thermostatType}))
	assert.Empty(t, calls)

	f.apply(t, peerDevices("S1", [2]string{"A", thermostatType}, [2]string{"B", thermostatType}))
	assert.Equal(t, [][3]any{{"1", 1, 2}}, calls)
}

func TestUserInfoMarksDeviceInfo(t *testing.T) {
	f := newFixture(t)
	res := f.apply(t, traitstest.State{
		ObjectID: "USER_42",
		Key:      TraitUserInfo,
		Type:     "nest.trait.user.UserInfoTrait",
		Value:    `{"legacy_id":"user.42"}`,
	}, structureInfo("S1", "1"))

	assert.True(t, res.HasDeviceInfo)
	assert.Equal(t, "USER_42", f.tr.UserID())
	assert.Equal(t, "USER_42", f.body.Structure["1"].UserID)
}

func mountThermostat(t *testing.T, f *fixture) {
	t.Helper()
	f.apply(t, structureInfo("S1", "1"), peerDevices("S1", [2]string{"ABC123", thermostatType}))
}

func TestTargetTemperatureSettings(t *testing.T) {
	tests := []struct {
		name              string
		value             string
		wantType          string
		wantTarget        float64
		wantLow, wantHigh float64
	}{
		{
			name:     "heat uses low",
			value:    `{"active":true,"settings":{"hvac_mode":"HEAT","target_temperature_heat":19,"target_temperature_cool":24}}`,
			wantType: "heat", wantTarget: 19, wantLow: 19, wantHigh: 24,
		},
		{
			name:     "cool uses high",
			value:    `{"active":true,"settings":{"hvac_mode":"COOL","target_temperature_heat":19,"target_temperature_cool":24}}`,
			wantType: "cool", wantTarget: 24, wantLow: 19, wantHigh: 24,
		},
		{
			name:     "range uses midpoint",
			value:    `{"active":true,"settings":{"hvac_mode":"RANGE","target_temperature_heat":19,"target_temperature_cool":24}}`,
			wantType: "range", wantTarget: 21.5, wantLow: 19, wantHigh: 24,
		},
		{
			name:     "inactive is off",
			value:    `{"active":false,"settings":{"hvac_mode":"HEAT","target_temperature_heat":18,"target_temperature_cool":22}}`,
			wantType: "off", wantTarget: 20, wantLow: 18, wantHigh: 22,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			mountThermostat(t, f)
			f.apply(t, traitstest.State{
				ObjectID: "DEVICE_ABC123",
				Key:      TraitTargetTemperatureSettings,
				Type:     "nest.trait.hvac.TargetTemperatureSettingsTrait",
				Value:    tt.value,
			})

			s := f.body.Shared["ABC123"]
			require.NotNil(t, s.TargetTemperatureType)
			assert.Equal(t, tt.wantType, *s.TargetTemperatureType)
			assert.Equal(t, tt.wantTarget, *s.TargetTemperature)
			assert.Equal(t, tt.wantLow, *s.TargetTemperatureLow)
			assert.Equal(t, tt.wantHigh, *s.TargetTemperatureHigh)
		})
	}
}

func TestIncompleteTraitIsSkipped(t *testing.T) {
	f := newFixture(t)
	mountThermostat(t, f)
	res := f.apply(t,
		traitstest.State{
			ObjectID: "DEVICE_ABC123",
			Key:      TraitTargetTemperatureSettings,
			Type:     "nest.trait.hvac.TargetTemperatureSettingsTrait",
			Value:    `{"active":true}`,
		},
		currentTemperature("ABC123", "20"),
	)

	assert.Equal(t, 1, res.Applied)
	assert.Nil(t, f.body.Shared["ABC123"].TargetTemperatureType)
	assert.Equal(t, 20.0, *f.body.Device["ABC123"].CurrentTemperature)
}

func TestFanControlSettingsTimer(t *testing.T) {
	f := newFixture(t)
	mountThermostat(t, f)

	timeout := testNow.Add(90 * time.Second).UTC().Format(time.RFC3339)
	f.apply(t, traitstest.State{
		ObjectID: "DEVICE_ABC123",
		Key:      TraitFanControlSettings,
		Type:     "nest.trait.hvac.FanControlSettingsTrait",
		Value:    `{"mode":"FAN_MODE_ON","fan_timer_timeout":"` + timeout + `","timer_speed":"FAN_SPEED_STAGE2"}`,
	})

	d := f.body.Device["ABC123"]
	assert.True(t, *d.HasFan)
	assert.True(t, *d.FanTimerActive)
	assert.Equal(t, testNow.Unix()+90, *d.FanTimerTimeout)
	assert.Equal(t, 90.0, *d.FanTimerDuration)
	assert.Equal(t, "FAN_MODE_ON", *d.FanModeProtobuf)
	assert.Equal(t, "FAN_SPEED_STAGE2", *d.FanTimerSpeedProtobuf)

	f.clock.Advance(time.Hour)
	f.apply(t, traitstest.State{
		ObjectID: "DEVICE_ABC123",
		Key:      TraitFanControlSettings,
		Type:     "nest.trait.hvac.FanControlSettingsTrait",
		Value:    `{"mode":"FAN_MODE_AUTO","fan_timer_timeout":"` + timeout + `"}`,
	})
	assert.Equal(t, 0.0, *d.FanTimerDuration, "remaining time is clamped at zero")
	assert.True(t, *d.FanTimerActive)
}

func TestThermostatTraits(t *testing.T) {
	f := newFixture(t)
	mountThermostat(t, f)
	f.apply(t,
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitHvacEquipmentCapabilities,
			Type: "nest.trait.hvac.HvacEquipmentCapabilitiesTrait", Value: `{"can_heat":true,"can_cool":false}`},
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitHvacControl,
			Type: "nest.trait.hvac.HvacControlTrait", Value: `{"settings":{"is_heating":true}}`},
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitFanControl,
			Type: "nest.trait.hvac.FanControlTrait", Value: `{"current_speed":"FAN_SPEED_SETTING_STAGE1"}`},
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitEcoModeState,
			Type: "nest.trait.hvac.EcoModeStateTrait", Value: `{"eco_enabled":"MANUAL_ECO"}`},
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitEcoModeSettings,
			Type:  "nest.trait.hvac.EcoModeSettingsTrait",
			Value: `{"auto_eco_enabled":true,"low":{"enabled":true,"temperature":10},"high":{"enabled":false,"temperature":30}}`},
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitDisplaySettings,
			Type: "nest.trait.hvac.DisplaySettingsTrait", Value: `{"units":"DEGREES_F"}`},
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitCurrentHumidity,
			Type: "nest.trait.sensor.CurrentHumidityTrait", Value: `{"humidity":{"value":41}}`},
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitBackplateTemperature,
			Type: "nest.trait.sensor.BackplateTemperatureTrait", Value: `{"temperature":{"value":22.25}}`},
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitRemoteComfortSensingSettings,
			Type:  "nest.trait.hvac.RemoteComfortSensingSettingsTrait",
			Value: `{"associated_rcs_sensors":[{"device_id":{"resource_id":"DEVICE_K1"}}]}`},
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitDeviceIdentity,
			Type: "weave.trait.description.DeviceIdentityTrait", Value: `{"model_name":"Display-2.11","serial_number":"09AA01","fw_version":"6.2"}`},
		traitstest.State{ObjectID: "DEVICE_ABC123", Key: TraitDeviceLocatedSettings,
			Type: "nest.trait.located.DeviceLocatedSettingsTrait", Value: `{"where_id":"W1","fixture_type":{"major_type":"FIXTURE_TYPE_WALL"}}`},
	)

	d := f.body.Device["ABC123"]
	assert.True(t, *d.CanHeat)
	assert.False(t, *d.CanCool)
	assert.True(t, *d.HvacHeaterState)
	assert.False(t, *d.HvacACState)
	assert.True(t, *d.HvacFanState)
	assert.Equal(t, &Eco{Mode: "manual-eco"}, d.Eco)
	assert.True(t, *d.AutoAwayEnable)
	assert.Equal(t, 10.0, *d.AwayTemperatureLow)
	assert.False(t, *d.AwayTemperatureHighEnabled)
	assert.Equal(t, "F", *d.TemperatureScale)
	assert.Equal(t, 41.0, *d.CurrentHumidity)
	assert.Equal(t, 22.25, *d.BackplateTemperature)
	assert.Equal(t, []string{"kryptonite.K1"}, f.body.RCSSettings["ABC123"].AssociatedRCSSensors)
	assert.Equal(t, "Display-2.11", *d.ModelName)
	assert.Equal(t, "09AA01", *d.SerialNumber)
	assert.Equal(t, "6.2", *d.CurrentVersion)
	assert.Equal(t, "W1", *d.WhereID)
	assert.Equal(t, "FIXTURE_TYPE_WALL", *d.FixtureType)
}

func TestLockAndBattery(t *testing.T) {
	f := newFixture(t)
	f.apply(t, structureInfo("S1", "1"), peerDevices("S1", [2]string{"L1", "yale.resource.LinusLockResource"}))
	f.apply(t,
		traitstest.State{ObjectID: "DEVICE_L1", Key: TraitBoltLock, Type: "weave.trait.security.BoltLockTrait",
			Value: `{"actuator_state":"BOLT_ACTUATOR_STATE_LOCKING","locked_state":"BOLT_LOCKED_STATE_UNLOCKED"}`},
		traitstest.State{ObjectID: "DEVICE_L1", Key: TraitBatteryPowerSource, Type: "weave.trait.power.BatteryPowerSourceTrait",
			Value: `{"replacement_indicator":"BATTERY_REPLACEMENT_INDICATOR_SOON","assessed_voltage":{"value":5.5}}`},
	)

	l := f.body.Yale["L1"]
	assert.False(t, *l.BoltLocked)
	assert.True(t, *l.BoltMoving)
	assert.True(t, *l.BoltMovingTo)
	assert.Equal(t, "BATTERY_REPLACEMENT_INDICATOR_SOON", *l.BatteryStatus)
	assert.Equal(t, 5.5, *l.BatteryVoltage)
}

func TestStructureModeAndAnnotations(t *testing.T) {
	f := newFixture(t)
	f.apply(t,
		structureInfo("S1", "1"),
		traitstest.State{ObjectID: "STRUCTURE_S1", Key: TraitStructureMode, Type: "nest.trait.structure.StructureModeTrait",
			Value: `{"structure_mode":"STRUCTURE_MODE_VACATION"}`},
		traitstest.State{ObjectID: "STRUCTURE_S1", Key: TraitLocatedAnnotations, Type: "nest.trait.located.LocatedAnnotationsTrait",
			Value: `{"annotations":[{"info":{"id":"W1","name":"Hallway"}}],"custom_annotations":[{"info":{"id":"W9","name":"Studio"}}]}`},
	)

	assert.True(t, *f.body.Structure["1"].ProtobufAway)
	assert.Equal(t, []WhereEntry{{WhereID: "W1", Name: "Hallway"}, {WhereID: "W9", Name: "Studio"}}, f.body.Where["1"].Wheres)
}

func TestIsSnapshot(t *testing.T) {
	assert.False(t, IsSnapshot(nil))
	assert.False(t, IsSnapshot(&traits.StreamMessage{Traits: []traits.Trait{{Name: TraitLiveness}}}))
	assert.True(t, IsSnapshot(&traits.StreamMessage{Traits: []traits.Trait{{Name: TraitLiveness}, {Name: TraitUserInfo}}}))
}

func TestToLegacy(t *testing.T) {
	assert.Equal(t, "18B430", toLegacy("DEVICE_18B430"))
	assert.Equal(t, "B", toLegacy("A_B_C"))
	assert.Equal(t, "", toLegacy("NOUNDERSCORE"))
}
