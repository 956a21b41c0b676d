package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheerbytes/dropline/pkg/protocol"
)

// ErrRecvCodeNotFound is returned by PrepareRecv when the relay does not know the code.
var ErrRecvCodeNotFound = errors.New("retrieval code not found")

// RelayError is an error reply from the relay.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	if e.Message == "" {
		return "relay error: " + e.Code
	}
	return fmt.Sprintf("relay error: %s: %s", e.Code, e.Message)
}

// Is lets errors.Is match a not-found reply against ErrRecvCodeNotFound.
func (e *RelayError) Is(target error) bool {
	return target == ErrRecvCodeNotFound && e.Code == protocol.CodeRecvCodeNotFound
}

// PrepareSend registers files with the relay and returns the retrieval code.
func PrepareSend(ctx context.Context, bus Bus, files []protocol.FileDescriptor) (protocol.PrepareSendAck, error) {
	var ack protocol.PrepareSendAck
	err := request(ctx, bus, protocol.TypePrepareSend, protocol.PrepareSend{Files: files}, protocol.TypePrepareSendAck, &ack)
	return ack, err
}

// PrepareRecv resolves a retrieval code to the sender's id and file list.
// An unknown code yields ErrRecvCodeNotFound. The relay may also never answer,
// so callers should bound ctx.
func PrepareRecv(ctx context.Context, bus Bus, recvCode string) (protocol.PrepareRecvAck, error) {
	var ack protocol.PrepareRecvAck
	err := request(ctx, bus, protocol.TypePrepareRecv, protocol.PrepareRecv{RecvCode: recvCode}, protocol.TypePrepareRecvAck, &ack)
	return ack, err
}

// DeleteRecvCode asks the relay to forget a retrieval code. It does not wait for a reply.
func DeleteRecvCode(ctx context.Context, bus Bus, recvCode string) error {
	return Publish(ctx, bus, protocol.TypeDeleteRecvCode, protocol.DeleteRecvCode{RecvCode: recvCode})
}

// SendSignal sends sig to its TargetID through the relay.
func SendSignal(ctx context.Context, bus Bus, sig protocol.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.TypeSignal, protocol.NewMsgID(), sig)
	if err != nil {
		return err
	}
	env.To = sig.TargetID
	return bus.Send(ctx, env)
}

// request sends payload and waits for the reply of ackType, or an error reply,
// correlated by message id. Both subscriptions are dropped before returning.
func request(ctx context.Context, bus Bus, msgType string, payload any, ackType string, out any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	reply := func(err error) {
		select {
		case result <- err:
		default:
		}
	}

	unsubAck := bus.Subscribe(ackType, func(resp protocol.Envelope) {
		if resp.ReplyTo != env.MsgID {
			return
		}
		reply(resp.DecodePayload(out))
	})
	defer unsubAck()

	unsubErr := bus.Subscribe(protocol.TypeError, func(resp protocol.Envelope) {
		if resp.ReplyTo != env.MsgID {
			return
		}
		var e protocol.Error
		if err := resp.DecodePayload(&e); err != nil {
			reply(err)
			return
		}
		reply(&RelayError{Code: e.Code, Message: e.Message})
	})
	defer unsubErr()

	if err := bus.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", ackType, ctx.Err())
	}
}
