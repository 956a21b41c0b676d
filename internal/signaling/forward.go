package signaling

import (
	"fmt"

	"github.com/sheerbytes/dropline/pkg/protocol"
)

// ForwardSignal turns an outbound signal from client from into the envelope
// its target should receive. It returns the target id.
func ForwardSignal(from string, env protocol.Envelope) (string, protocol.Envelope, error) {
	var sig protocol.Signal
	if err := env.DecodePayload(&sig); err != nil {
		return "", protocol.Envelope{}, fmt.Errorf("decode signal: %w", err)
	}
	if err := sig.Validate(); err != nil {
		return "", protocol.Envelope{}, err
	}
	target := sig.TargetID
	if target == "" {
		target = env.To
	}
	if target == "" {
		return "", protocol.Envelope{}, fmt.Errorf("signal has no target")
	}

	sig.TargetID = ""
	sig.SourceClientID = from
	out, err := protocol.NewEnvelope(protocol.TypeSignal, env.MsgID, sig)
	if err != nil {
		return "", protocol.Envelope{}, err
	}
	out.From = from
	out.To = target
	return target, out, nil
}
