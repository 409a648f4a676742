package config

import (
	"encoding/json"

	"swarmplayer/internal/core/ports"
)

// asMap renders a Config as a generic map keyed by its Go field names, used
// by Get and by the JSON import/export round trip.
func asMap(cfg ports.Config) map[string]interface{} {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

// applyPartial merges partial key/value pairs onto cfg via a JSON round
// trip, keeping field typing (durations, floats) intact without a
// reflection-based field setter.
func applyPartial(cfg *ports.Config, partial map[string]interface{}) error {
	m := asMap(*cfg)
	for k, v := range partial {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, cfg)
}
