package event

import (
	"encoding/json"
	"fmt"

	"github.com/c360/gcstreams/errors"
)

// WireVersion is the envelope version written by Encode.
const WireVersion = 1

type envelope struct {
	Version int             `json:"v"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Encode serializes e into the versioned envelope used across process
// boundaries.
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "event", "Encode", "encode nil event")
	}

	env := envelope{Version: WireVersion, Kind: e.Kind().String()}
	switch v := e.(type) {
	case Termination, *Termination:
		// no payload
	case LogLine, *LogLine, GCPause, *GCPause, ConcurrentPhase, *ConcurrentPhase:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errors.WrapInvalid(err, "event", "Encode", "marshal payload")
		}
		env.Data = data
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %T", errors.ErrUnknownKind, e), "event", "Encode", "match variant")
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, errors.WrapInvalid(err, "event", "Encode", "marshal envelope")
	}
	return out, nil
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapInvalid(err, "event", "Decode", "unmarshal envelope")
	}
	if env.Version != WireVersion {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unsupported version %d", errors.ErrInvalidData, env.Version),
			"event", "Decode", "check version")
	}

	kind, ok := ParseKind(env.Kind)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownKind, env.Kind), "event", "Decode", "match kind")
	}

	switch kind {
	case KindTermination:
		return Termination{}, nil
	case KindLogLine:
		return decodeInto[LogLine](env.Data)
	case KindGCPause:
		return decodeInto[GCPause](env.Data)
	case KindConcurrentPhase:
		return decodeInto[ConcurrentPhase](env.Data)
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownKind, "event", "Decode", "match kind")
	}
}

func decodeInto[T Event](data json.RawMessage) (Event, error) {
	var v T
	if len(data) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "event", "Decode", "read payload")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.WrapInvalid(err, "event", "Decode", "unmarshal payload")
	}
	return v, nil
}
