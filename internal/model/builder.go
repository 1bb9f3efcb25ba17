package model

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"nestobserve/internal/apierr"
	"nestobserve/internal/legacy"
)

const zirconiumType = "google.resource.GoogleZirconium1Resource"

// Builder derives DeviceTrees. It holds no state between builds.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder returns a Builder that reports skipped devices to logger.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger}
}

// Build walks every structure's swarm and derives one entry per member.
// A member that cannot be derived is logged and left out. body is not
// modified.
func (b *Builder) Build(body *legacy.Body) *DeviceTree {
	tree := &DeviceTree{
		Devices:    newDevices(),
		Structures: map[string]*legacy.Structure{},
	}
	if body == nil {
		return tree
	}

	ids := make([]string, 0, len(body.Structure))
	for id := range body.Structure {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, structureID := range ids {
		src := body.Structure[structureID]
		if src == nil {
			continue
		}
		s := *src
		s.StructureID = structureID
		tree.Structures[structureID] = &s

		tree.Devices.HomeAwaySensors[structureID] = homeAway(&s, len(body.Structure))
		wheres := whereLookup(body, structureID)

		for _, member := range s.Swarm {
			kind, id, _ := strings.Cut(member, ".")
			if err := b.derive(tree, body, legacy.Kind(kind), id, structureID, wheres); err != nil {
				b.logger.Warn("unable to use device, missing required properties",
					"device", id, "kind", kind,
					"error", apierr.New(apierr.DeviceDerivationError, "build", err))
			}
		}
	}
	return tree
}

func (b *Builder) derive(tree *DeviceTree, body *legacy.Body, kind legacy.Kind, id, structureID string, wheres map[string]string) error {
	switch kind {
	case legacy.KindThermostat:
		t, err := thermostat(body, id, structureID, wheres)
		if err != nil {
			return err
		}
		for _, sensor := range tempSensors(body, t, structureID, wheres) {
			tree.Devices.TempSensors[sensor.DeviceID] = sensor
			t.HasTemperatureSensors = true
		}
		tree.Devices.Thermostats[id] = t
	case legacy.KindProtect:
		p, err := protect(body, id, wheres)
		if err != nil {
			return err
		}
		tree.Devices.SmokeCOAlarms[id] = p
	case legacy.KindLock:
		l, err := lock(body, id, wheres)
		if err != nil {
			return err
		}
		tree.Devices.Locks[id] = l
	}
	return nil
}

func homeAway(s *legacy.Structure, structures int) *HomeAwaySensor {
	name := "Home Occupied"
	if structures > 1 {
		structureName := ""
		if s.Name != nil {
			structureName = *s.Name
		}
		name = "Home Occupied - " + structureName
	}
	away := s.Away
	if s.NewStructureID != "" {
		away = s.ProtobufAway
	}
	return &HomeAwaySensor{
		StructureID:  s.StructureID,
		DeviceID:     s.StructureID,
		SerialNumber: s.StructureID,
		Name:         name,
		Model:        "Home/Away Control",
		Away:         away,
	}
}

func whereLookup(body *legacy.Body, structureID string) map[string]string {
	lookup := map[string]string{}
	if w := body.Where[structureID]; w != nil {
		for _, entry := range w.Wheres {
			lookup[entry.WhereID] = entry.Name
		}
	}
	return lookup
}

func whereName(wheres map[string]string, whereID *string) *string {
	if whereID == nil {
		return nil
	}
	if name, ok := wheres[*whereID]; ok {
		return &name
	}
	return nil
}

func thermostat(body *legacy.Body, id, structureID string, wheres map[string]string) (*Thermostat, error) {
	dev := body.Device[id]
	if dev == nil {
		return nil, fmt.Errorf("no device bag for %s", id)
	}
	t := &Thermostat{Thermostat: *dev}
	if shared := body.Shared[id]; shared != nil {
		t.Shared = *shared
	}

	t.UsesHeatLink = t.HeatLinkConnection != nil && *t.HeatLinkConnection != ""
	if t.UsesHeatLink {
		// Heat Link installs report heat-only fields.
		if t.TargetTemperatureType == nil {
			mode := "HEAT"
			if t.MaintBandLower != nil && *t.MaintBandLower == 0 {
				mode = "OFF"
			}
			t.TargetTemperatureType = &mode
		}
		if t.HvacHeaterState == nil {
			heating := t.Leaf == nil || !*t.Leaf
			t.HvacHeaterState = &heating
		}
		yes, no := true, false
		t.CanHeat, t.CanCool = &yes, &no
	}

	t.DeviceID = id
	t.StructureID = structureID
	t.WhereName = whereName(wheres, t.WhereID)

	base := "Nest"
	switch {
	case t.Shared.Name != nil && *t.Shared.Name != "":
		base = *t.Shared.Name
	case t.WhereName != nil && *t.WhereName != "":
		base = *t.WhereName
	}
	t.Name = base + " Thermostat"

	t.FanTimerActive = (t.FanTimerTimeout != nil && *t.FanTimerTimeout > 0) || isTrue(t.HvacFanState)

	t.PreviousHvacMode = "off"
	if t.TargetTemperatureType != nil {
		t.PreviousHvacMode = strings.ToLower(*t.TargetTemperatureType)
	}
	t.HasEcoMode = t.Eco != nil
	t.HvacMode = t.PreviousHvacMode
	if t.HasEcoMode && t.ProtobufDeviceType != zirconiumType {
		if t.Eco.Mode == "manual-eco" || t.Eco.Mode == "auto-eco" {
			t.HvacMode = "eco"
		}
	}

	t.SoftwareVersion = t.CurrentVersion
	switch {
	case isTrue(t.CanHeat) && isTrue(t.HvacHeaterState):
		t.HvacState = "heating"
	case isTrue(t.CanCool) && isTrue(t.HvacACState):
		t.HvacState = "cooling"
	default:
		t.HvacState = "off"
	}
	if track := body.Track[id]; track != nil {
		t.IsOnline = track.Online
	}
	return t, nil
}

func tempSensors(body *legacy.Body, t *Thermostat, structureID string, wheres map[string]string) []*TempSensor {
	rcs := body.RCSSettings[t.DeviceID]
	if rcs == nil {
		return nil
	}
	var out []*TempSensor
	for _, member := range rcs.AssociatedRCSSensors {
		_, sensorID, _ := strings.Cut(member, ".")
		s := body.Kryptonite[sensorID]
		if s == nil {
			continue
		}
		name := "Nest Temperature Sensor"
		if n := whereName(wheres, s.WhereID); n != nil {
			name = *n
		}
		voltage := 0.0
		if s.BatteryLevel != nil && *s.BatteryLevel != 0 {
			voltage = 2.5
			if *s.BatteryLevel > 66 {
				voltage = 3
			}
		}
		out = append(out, &TempSensor{
			ThermostatDeviceID: t.DeviceID,
			StructureID:        structureID,
			DeviceID:           sensorID,
			SerialNumber:       s.SerialNumber,
			Name:               name,
			CurrentTemperature: s.CurrentTemperature,
			TemperatureScale:   t.TemperatureScale,
			BatteryVoltage:     voltage,
			UsingProtobuf:      s.UsingProtobuf,
			ProtobufDeviceType: s.ProtobufDeviceType,
		})
	}
	return out
}

func protect(body *legacy.Body, id string, wheres map[string]string) (*SmokeCOAlarm, error) {
	src := body.Topaz[id]
	if src == nil {
		return nil, fmt.Errorf("no topaz bag for %s", id)
	}
	p := &SmokeCOAlarm{Protect: *src}
	p.DeviceID = id
	p.WhereName = whereName(wheres, p.WhereID)

	switch {
	case p.Description != nil && *p.Description != "":
		p.Name = *p.Description
	case p.WhereName != nil && *p.WhereName != "":
		p.Name = *p.WhereName
	default:
		p.Name = "Nest Protect"
	}
	p.SmokeAlarmState = okUnless(p.SmokeStatus, "emergency")
	p.COAlarmState = okUnless(p.COStatus, "emergency")
	p.BatteryHealth = okUnless(p.BatteryHealthState, "low")
	p.IsOnline = isTrue(p.ComponentWifiTestPassed)
	return p, nil
}

func lock(body *legacy.Body, id string, wheres map[string]string) (*Lock, error) {
	src := body.Yale[id]
	if src == nil {
		return nil, fmt.Errorf("no yale bag for %s", id)
	}
	l := &Lock{Lock: *src}
	l.DeviceID = id
	l.SoftwareVersion = l.CurrentVersion
	l.WhereName = whereName(wheres, l.WhereID)

	base := "Nest x Yale"
	switch {
	case l.Description != nil && *l.Description != "":
		base = *l.Description
	case l.WhereName != nil && *l.WhereName != "":
		base = *l.WhereName
	}
	l.Name = base + " Lock"
	return l, nil
}

func isTrue(b *bool) bool { return b != nil && *b }

// okUnless maps a zero or unset status to "ok" and anything else to bad.
func okUnless(status *int, bad string) string {
	if status == nil || *status == 0 {
		return "ok"
	}
	return bad
}
