package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"nestobserve/internal/model"
	"nestobserve/internal/observe"
	"nestobserve/internal/traits"
)

// HVAC states reported by the thermostat_hvac_state gauge.
var hvacStates = []string{"heating", "cooling", "off"}

// Metrics holds every nestobserve metric.
type Metrics struct {
	// Counters
	FramesTotal       prometheus.Counter
	DecodeErrorsTotal prometheus.Counter
	StreamCycles      *prometheus.CounterVec
	AuthAttempts      *prometheus.CounterVec
	TreesEmitted      prometheus.Counter

	// Gauges
	LastTreeTimestamp  prometheus.Gauge
	ThermostatCurrent  *prometheus.GaugeVec
	ThermostatTarget   *prometheus.GaugeVec
	ThermostatHumidity *prometheus.GaugeVec
	ThermostatHvac     *prometheus.GaugeVec
	SensorTemperature  *prometheus.GaugeVec
	StructureAway      *prometheus.GaugeVec
}

// New creates every metric and registers it with reg.
func New(reg *Registry) (*Metrics, error) {
	device := []string{"device", "name"}
	m := &Metrics{
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_total",
			Help:      "Observe frames received",
		}),
		DecodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "decode_errors_total",
			Help:      "Frames or traits that could not be decoded",
		}),
		StreamCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stream_cycles_total",
			Help:      "Observe cycles by end reason",
		}, []string{"reason"}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by result",
		}, []string{"result"}),
		TreesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "trees_emitted_total",
			Help:      "Device trees handed to the consumer",
		}),

		LastTreeTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_tree_timestamp_seconds",
			Help:      "Unix time of the last emitted device tree",
		}),
		ThermostatCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "thermostat_current_temperature_celsius",
			Help:      "Current temperature measured by a thermostat",
		}, device),
		ThermostatTarget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "thermostat_target_temperature_celsius",
			Help:      "Target temperature of a thermostat",
		}, device),
		ThermostatHumidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "thermostat_humidity_percent",
			Help:      "Relative humidity measured by a thermostat",
		}, device),
		ThermostatHvac: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "thermostat_hvac_state",
			Help:      "1 for the thermostat's current HVAC state, 0 otherwise",
		}, append(device, "state")),
		SensorTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sensor_temperature_celsius",
			Help:      "Temperature measured by a remote sensor",
		}, device),
		StructureAway: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "structure_away",
			Help:      "1 when the structure is in away mode",
		}, []string{"structure", "name"}),
	}

	err := reg.Register(
		m.FramesTotal,
		m.DecodeErrorsTotal,
		m.StreamCycles,
		m.AuthAttempts,
		m.TreesEmitted,
		m.LastTreeTimestamp,
		m.ThermostatCurrent,
		m.ThermostatTarget,
		m.ThermostatHumidity,
		m.ThermostatHvac,
		m.SensorTemperature,
		m.StructureAway,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordCycle counts a finished observe cycle.
func (m *Metrics) RecordCycle(out observe.Outcome) {
	m.StreamCycles.WithLabelValues(out.Reason.String()).Inc()
}

// RecordAuth counts an authentication attempt.
func (m *Metrics) RecordAuth(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.AuthAttempts.WithLabelValues(result).Inc()
}

// Observe replaces the device gauges with the readings in tree. Devices
// missing from tree disappear from the export.
func (m *Metrics) Observe(tree *model.DeviceTree) {
	m.TreesEmitted.Inc()
	m.LastTreeTimestamp.SetToCurrentTime()

	m.ThermostatCurrent.Reset()
	m.ThermostatTarget.Reset()
	m.ThermostatHumidity.Reset()
	m.ThermostatHvac.Reset()
	m.SensorTemperature.Reset()
	m.StructureAway.Reset()

	for id, t := range tree.Devices.Thermostats {
		setIf(m.ThermostatCurrent.WithLabelValues(id, t.Name), t.CurrentTemperature)
		setIf(m.ThermostatTarget.WithLabelValues(id, t.Name), t.TargetTemperature)
		setIf(m.ThermostatHumidity.WithLabelValues(id, t.Name), t.CurrentHumidity)
		for _, state := range hvacStates {
			v := 0.0
			if t.HvacState == state {
				v = 1
			}
			m.ThermostatHvac.WithLabelValues(id, t.Name, state).Set(v)
		}
	}
	for id, s := range tree.Devices.TempSensors {
		setIf(m.SensorTemperature.WithLabelValues(id, s.Name), s.CurrentTemperature)
	}
	for id, s := range tree.Structures {
		name := ""
		if s.Name != nil {
			name = *s.Name
		}
		away := 0.0
		if s.Away != nil && *s.Away {
			away = 1
		}
		m.StructureAway.WithLabelValues(id, name).Set(away)
	}
}

func setIf(g prometheus.Gauge, v *float64) {
	if v != nil {
		g.Set(*v)
	}
}

// InstrumentDecoder counts every frame d decodes, and every frame or
// trait it fails to decode.
func (m *Metrics) InstrumentDecoder(d observe.Decoder) observe.Decoder {
	return &countingDecoder{next: d, m: m}
}

type countingDecoder struct {
	next observe.Decoder
	m    *Metrics
}

func (d *countingDecoder) Decode(frame []byte) (*traits.StreamMessage, error) {
	d.m.FramesTotal.Inc()
	msg, err := d.next.Decode(frame)
	if err != nil {
		d.m.DecodeErrorsTotal.Inc()
		return msg, err
	}
	if msg != nil && msg.Skipped > 0 {
		d.m.DecodeErrorsTotal.Add(float64(msg.Skipped))
	}
	return msg, nil
}
