package protocol

// Message type constants for relay envelopes.
const (
	TypeHello          = "hello"
	TypeError          = "error"
	TypeSignal         = "signal"
	TypePrepareSend    = "prepare_send"
	TypePrepareSendAck = "prepare_send_ack"
	TypePrepareRecv    = "prepare_recv"
	TypePrepareRecvAck = "prepare_recv_ack"
	TypeDeleteRecvCode = "delete_recv_code"
)

// Error codes carried by Error payloads.
const (
	CodeBadRequest       = "bad_request"
	CodeBadSignal        = "bad_signal"
	CodePeerNotFound     = "peer_not_found"
	CodeRecvCodeNotFound = "recv_code_not_found"
	CodeUnknownType      = "unknown_type"
	CodeRateLimited      = "rate_limited"
)

// ServerID is the From value of envelopes produced by the relay itself.
const ServerID = "server"
