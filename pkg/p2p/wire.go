package p2p

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
)

func init() {
	gob.Register(EventBatchWire{})
}

// EventBatchWire carries the events of one committed engine operation.
type EventBatchWire struct {
	FirstSeq uint64
	LastSeq  uint64
	Events   []byte // json-encoded []engine.Event
}

func encodeBatch(events []engine.Event) ([]byte, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	w := EventBatchWire{Events: raw}
	if len(events) > 0 {
		w.FirstSeq = events[0].Seq
		w.LastSeq = events[len(events)-1].Seq
	}
	return gobEncode(w)
}

func decodeBatch(b []byte) (EventBatchWire, []engine.Event, error) {
	var w EventBatchWire
	if err := gobDecode(b, &w); err != nil {
		return w, nil, err
	}
	var events []engine.Event
	if err := json.Unmarshal(w.Events, &events); err != nil {
		return w, nil, err
	}
	return w, events, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
