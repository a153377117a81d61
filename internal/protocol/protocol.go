package protocol

import (
	"encoding/json"

	"github.com/cruciblehq/uvimage/internal/fault"
	"go.trai.ch/zerr"
)

var ErrProtocol = zerr.New("malformed message")

// Identifies the kind of message.
type Command string

const (
	CmdBuild           Command = "build"
	CmdStatus          Command = "status"
	CmdShutdown        Command = "shutdown"
	CmdContainerStatus Command = "container-status"
	CmdPrune           Command = "prune"

	CmdOK    Command = "ok"
	CmdError Command = "error"
)

// The framing of every message.
type Envelope struct {
	Version int             `json:"version"`
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Current protocol version. Messages with another version are rejected.
const Version = 1

// Encodes a command and its payload. A nil payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Version: Version, Command: cmd}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(ErrProtocol, err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fault.Wrap(ErrProtocol, err)
	}
	return data, nil
}

// Decodes an envelope, returning it with its undecoded payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fault.Wrap(ErrProtocol, err)
	}
	if env.Version != Version {
		return nil, nil, zerr.With(fault.Wrapf(ErrProtocol, "unsupported version %d", env.Version), "version", env.Version)
	}
	if env.Command == "" {
		return nil, nil, fault.Wrapf(ErrProtocol, "missing command")
	}
	return &env, env.Payload, nil
}

// Decodes a payload into T. An empty payload yields the zero value.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := DecodeInto(payload, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Decodes a non-empty payload into v.
func DecodeInto(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fault.Wrap(ErrProtocol, err)
	}
	return nil
}
