// Package dispatch implements the command dispatcher: it parses inbound
// control-socket commands, calls the recording engine or broadcaster, and
// returns exactly one reply per command. Dispatch never emits event
// frames itself - those are the broadcaster's job, triggered by the
// engine's own emissions after Dispatch returns.
package dispatch

import (
	"stenod/internal/broadcast"
	"stenod/internal/engine"
	"stenod/internal/proto"
)

// Dispatcher wires the command surface to the engine and broadcaster.
type Dispatcher struct {
	engine        *engine.Engine
	broadcaster   *broadcast.Broadcaster
	defaultLocale string
}

// New builds a Dispatcher over a running engine and broadcaster.
// defaultLocale fills in start commands that omit one.
func New(e *engine.Engine, b *broadcast.Broadcaster, defaultLocale string) *Dispatcher {
	return &Dispatcher{engine: e, broadcaster: b, defaultLocale: defaultLocale}
}

// Dispatch handles one decoded command for the connection identified by
// clientID, whose sink is registered on a "subscribe" command. It
// returns the Response to write immediately, plus an emit closure
// (possibly nil) for any event the command itself causes. The caller
// (the socket server) must write the Response to the issuing connection
// before invoking emit, so a reply never arrives after an event the same
// command triggered.
func (d *Dispatcher) Dispatch(clientID string, sink broadcast.Sink, cmd proto.Command) (proto.Response, func()) {
	switch cmd.Cmd {
	case "start":
		locale := cmd.Locale
		if locale == "" {
			locale = d.defaultLocale
		}
		sessionID, emit, err := d.engine.Start(locale, cmd.Device, cmd.SystemAudio)
		if err != nil {
			return proto.Response{OK: false, Error: err.Error()}, emit
		}
		return proto.Response{OK: true, SessionID: sessionID, Recording: true}, emit

	case "stop":
		// Stop never errors: it is a no-op in idle/error-free states, per
		// the idempotent-stop contract.
		emit := d.engine.Stop()
		return proto.Response{OK: true, Recording: false}, emit

	case "status":
		st := d.engine.Status()
		return proto.Response{
			OK:          true,
			SessionID:   st.SessionID,
			Recording:   st.Recording,
			Segments:    st.Segments,
			Status:      string(st.State),
			Device:      st.Device,
			SystemAudio: st.SystemAudio,
		}, nil

	case "devices":
		devices, err := d.engine.AvailableDevices()
		if err != nil {
			return proto.Response{OK: false, Error: err.Error()}, nil
		}
		return proto.Response{OK: true, Devices: devices}, nil

	case "subscribe":
		d.broadcaster.Subscribe(clientID, sink, cmd.Events)
		return proto.Response{OK: true}, nil

	default:
		return proto.Response{OK: false, Error: "Unknown command: " + cmd.Cmd}, nil
	}
}
