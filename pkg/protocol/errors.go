package protocol

import "errors"

var (
	// ErrMalformedCommand is returned for payloads that are not a command object.
	ErrMalformedCommand = errors.New("protocol: malformed command")

	// ErrUnknownMessage is returned when parsing an outbound message of unknown type.
	ErrUnknownMessage = errors.New("protocol: unknown message type")

	// ErrInvalidTransmissionConfig is returned by TransmissionConfig.Validate.
	ErrInvalidTransmissionConfig = errors.New("protocol: invalid transmission config")
)

// ErrorCode is the machine readable reason carried by error responses.
type ErrorCode string

const (
	CodeMalformedCommand ErrorCode = "malformed_command"
	CodeUnknownCommand   ErrorCode = "unknown_command"
	CodeNoDeviceFound    ErrorCode = "no_device_found"
	CodeNotConfigured    ErrorCode = "not_configured"
	CodeCapacityExceeded ErrorCode = "capacity_exceeded"
	CodeDeviceError      ErrorCode = "device_error"
	CodeInternal         ErrorCode = "internal_error"
)
