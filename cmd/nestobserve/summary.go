package main

import (
	"log/slog"
	"math"
	"sort"

	"nestobserve/internal/model"
)

// fahrenheit converts a Celsius reading, rounded to one decimal.
// Missing readings stay missing.
func fahrenheit(c *float64) any {
	if c == nil {
		return nil
	}
	return math.Round((*c*9/5+32)*10) / 10
}

// deref returns *p, or nil when p is nil.
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// logSummary writes one line per thermostat, sensor and home/away
// device, with temperatures in Fahrenheit.
func logSummary(logger *slog.Logger, tree *model.DeviceTree) {
	for _, id := range sortedKeys(tree.Devices.Thermostats) {
		t := tree.Devices.Thermostats[id]
		logger.Info("thermostat",
			"device", id,
			"name", t.Name,
			"room", deref(t.WhereName),
			"mode", t.HvacMode,
			"state", t.HvacState,
			"heating", deref(t.HvacHeaterState),
			"cooling", deref(t.HvacACState),
			"fan", deref(t.HvacFanState),
			"fan_mode", deref(t.FanModeProtobuf),
			"temp_f", fahrenheit(t.CurrentTemperature),
			"humidity", deref(t.CurrentHumidity),
			"target_type", deref(t.TargetTemperatureType),
			"target_f", fahrenheit(t.TargetTemperature),
			"target_low_f", fahrenheit(t.TargetTemperatureLow),
			"target_high_f", fahrenheit(t.TargetTemperatureHigh),
		)
	}
	for _, id := range sortedKeys(tree.Devices.TempSensors) {
		s := tree.Devices.TempSensors[id]
		logger.Info("sensor", "device", id, "name", s.Name, "temp_f", fahrenheit(s.CurrentTemperature))
	}
	for _, id := range sortedKeys(tree.Devices.HomeAwaySensors) {
		s := tree.Devices.HomeAwaySensors[id]
		logger.Info("home_away", "device", id, "name", s.Name, "away", s.Away != nil && *s.Away)
	}
}
