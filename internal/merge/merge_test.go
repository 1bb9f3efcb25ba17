package merge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tree(t *testing.T, s string) Tree {
	t.Helper()
	var out Tree
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func TestCumulativeEmptyDeltaIsIdentity(t *testing.T) {
	s := tree(t, `{"structure":{"1":{"swarm":["device.A"],"name":"Home"}},"device":{"A":{"current_temperature":20}}}`)
	want := DeepCopy(s)

	assert.Equal(t, want, Cumulative(s, Tree{}))
	assert.Equal(t, want, Cumulative(s, nil))
}

func TestCumulativeSetUnion(t *testing.T) {
	s := tree(t, `{"structure":{"1":{"swarm":["device.A"]}}}`)
	d := tree(t, `{"structure":{"1":{"swarm":["device.A","kryptonite.K"]}},"where":{"1":{"wheres":[{"where_id":"W","name":"Hall"}]}}}`)

	once := Cumulative(DeepCopy(s), d)
	twice := Cumulative(Cumulative(DeepCopy(s), d), d)

	assert.Equal(t, once, twice)
	assert.Equal(t, []any{"device.A", "kryptonite.K"}, twice["structure"].(Tree)["1"].(Tree)["swarm"])
	wheres := twice["where"].(Tree)["1"].(Tree)["wheres"].([]any)
	assert.Len(t, wheres, 1)
}

func TestCumulativeRecursesAndOverwrites(t *testing.T) {
	s := tree(t, `{"device":{"A":{"current_temperature":20,"can_heat":true}}}`)
	d := tree(t, `{"device":{"A":{"current_temperature":21.5},"B":{"can_cool":false}}}`)

	got := Cumulative(s, d)
	assert.Equal(t, tree(t, `{"device":{"A":{"current_temperature":21.5,"can_heat":true},"B":{"can_cool":false}}}`), got)
}

func TestCumulativeDoesNotAliasDelta(t *testing.T) {
	d := tree(t, `{"device":{"A":{"current_temperature":20}}}`)
	s := Cumulative(nil, d)

	d["device"].(Tree)["A"].(Tree)["current_temperature"] = 99.0
	assert.Equal(t, 20.0, s["device"].(Tree)["A"].(Tree)["current_temperature"])
}

func TestReconcileAppliesLiveUpdates(t *testing.T) {
	body := tree(t, `{"shared":{"A":{"target_temperature":20,"target_temperature_type":"heat"}}}`)
	pending := []PendingUpdate{{
		Expiry:    now.Add(time.Minute),
		ObjectKey: "shared.A",
		Value:     map[string]any{"target_temperature": 22.0, "brand_new_key": true},
	}}

	got := Reconcile(body, pending, now)

	shared := got["shared"].(Tree)["A"].(Tree)
	assert.Equal(t, 22.0, shared["target_temperature"])
	assert.NotContains(t, shared, "brand_new_key")
	assert.Equal(t, 20.0, body["shared"].(Tree)["A"].(Tree)["target_temperature"], "authoritative body is untouched")
}

func TestReconcileIgnoresExpiredUpdates(t *testing.T) {
	body := tree(t, `{"shared":{"A":{"target_temperature":20}}}`)
	pending := []PendingUpdate{
		{Expiry: now.Add(-time.Second), ObjectKey: "shared.A", Value: map[string]any{"target_temperature": 5.0}},
		{Expiry: now, ObjectKey: "shared.A", Value: map[string]any{"target_temperature": 6.0}},
	}

	assert.Equal(t, body, Reconcile(body, pending, now))
}

func TestReconcileNeverCreatesObjects(t *testing.T) {
	body := tree(t, `{"shared":{"A":{"target_temperature":20}}}`)
	pending := []PendingUpdate{
		{Expiry: now.Add(time.Hour), ObjectKey: "shared.Z", Value: map[string]any{"target_temperature": 1.0}},
		{Expiry: now.Add(time.Hour), ObjectKey: "device.A", Value: map[string]any{"target_temperature": 1.0}},
		{Expiry: now.Add(time.Hour), ObjectKey: "malformed", Value: map[string]any{"x": 1.0}},
	}

	assert.Equal(t, body, Reconcile(body, pending, now))
}

func TestTreeRoundTripKeepsIntegers(t *testing.T) {
	type bag struct {
		Timeout int64    `json:"fan_timer_timeout"`
		Temp    *float64 `json:"current_temperature,omitempty"`
	}
	in := bag{Timeout: 1772366490}

	tr, err := ToTree(in)
	require.NoError(t, err)
	assert.NotContains(t, tr, "current_temperature")

	var out bag
	require.NoError(t, FromTree(tr, &out))
	assert.Equal(t, in, out)
}
