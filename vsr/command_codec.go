package vsr

import (
	"encoding/json"
	"fmt"

	"kimberlite.dev/core/kernel"
)

// commandEnvelope is the tagged-union wire form of a kernel.Command.
// kernel.Command is a closed set of concrete struct types behind an
// interface; JSON has no native sum-type support, so the command's
// concrete type name travels alongside its fields.
type commandEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeCommand serializes a kernel.Command for inclusion in a Prepare
// or DoViewChange payload.
func EncodeCommand(cmd kernel.Command) (json.RawMessage, error) {
	var typ string
	switch cmd.(type) {
	case kernel.CreateStream:
		typ = "CreateStream"
	case kernel.AppendBatch:
		typ = "AppendBatch"
	case kernel.DeleteStream:
		typ = "DeleteStream"
	case kernel.CreateCheckpoint:
		typ = "CreateCheckpoint"
	case kernel.GrantConsent:
		typ = "GrantConsent"
	case kernel.WithdrawConsent:
		typ = "WithdrawConsent"
	case kernel.Reconfigure:
		typ = "Reconfigure"
	case kernel.CommitReconfigure:
		typ = "CommitReconfigure"
	case kernel.RegisterStandby:
		typ = "RegisterStandby"
	default:
		return nil, fmt.Errorf("vsr: unknown command type %T", cmd)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("vsr: marshal %s: %w", typ, err)
	}
	env := commandEnvelope{Type: typ, Data: data}
	return json.Marshal(env)
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(raw json.RawMessage) (kernel.Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("vsr: unmarshal command envelope: %w", err)
	}

	var cmd kernel.Command
	switch env.Type {
	case "CreateStream":
		var c kernel.CreateStream
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		cmd = c
	case "AppendBatch":
		var c kernel.AppendBatch
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		cmd = c
	case "DeleteStream":
		var c kernel.DeleteStream
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		cmd = c
	case "CreateCheckpoint":
		var c kernel.CreateCheckpoint
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		cmd = c
	case "GrantConsent":
		var c kernel.GrantConsent
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		cmd = c
	case "WithdrawConsent":
		var c kernel.WithdrawConsent
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		cmd = c
	case "Reconfigure":
		var c kernel.Reconfigure
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		cmd = c
	case "CommitReconfigure":
		var c kernel.CommitReconfigure
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		cmd = c
	case "RegisterStandby":
		var c kernel.RegisterStandby
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		cmd = c
	default:
		return nil, fmt.Errorf("vsr: unknown command type tag %q", env.Type)
	}
	return cmd, nil
}
