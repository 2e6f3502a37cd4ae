package event

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/windrose-io/skybus/broker"
)

// ToJSON renders the event in its wire shape: the standard attributes with
// extension attributes spliced into the top level, matching ToRecord.
// Extension keys containing path separators are not supported.
func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: encode: %w", err)
	}
	for k, v := range e.Extensions {
		if _, taken := standardAttrs[k]; taken {
			continue
		}
		if gjson.GetBytes(data, k).Exists() {
			continue
		}
		data, err = sjson.SetBytes(data, k, v)
		if err != nil {
			return nil, fmt.Errorf("event: encode extension %q: %w", k, err)
		}
	}
	return data, nil
}

// FromJSON decodes an event from its wire shape, gathering unknown top-level
// keys back into Extensions.
func FromJSON(data []byte) (*Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	var rec broker.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	return FromRecord(rec)
}
