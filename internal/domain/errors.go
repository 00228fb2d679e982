// Package domain contains core business entities.
package domain

import "errors"

// Device configuration errors.
var (
	ErrDeviceIDRequired   = errors.New("device ID is required")
	ErrProtocolRequired   = errors.New("protocol is required")
	ErrBaseTopicRequired  = errors.New("base topic is required")
	ErrInvalidSlaveID     = errors.New("invalid slave ID")
	ErrTransportRequired  = errors.New("transport address is required")
	ErrIntervalTooShort   = errors.New("read interval must be at least 100ms")
	ErrUnknownTransport   = errors.New("unknown transport type")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidBank        = errors.New("invalid register bank")
	ErrInvalidDataType    = errors.New("invalid data type")
	ErrInvalidCodeTable   = errors.New("code table not found")
	ErrInvalidValueRegex  = errors.New("invalid value regex")
	ErrDuplicateVariable  = errors.New("duplicate variable name")
	ErrUnknownProtocol    = errors.New("unknown protocol")
	ErrNoCandidates       = errors.New("no candidate protocols")
	ErrScanNotFound       = errors.New("no saved scan")
	ErrVariableNotFound   = errors.New("variable not found")
	ErrSerialNotAvailable = errors.New("serial number not available")
)

// Transport errors.
var (
	ErrTransportTimeout   = errors.New("transport: no response")
	ErrTransportFatal     = errors.New("transport: fatal error")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrReadOnlyBank       = errors.New("input registers are read-only")
)

// Modbus-specific errors.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
	ErrModbusProtocolLimit          = errors.New("modbus: protocol limit exceeded")
	ErrModbusUnknownException       = errors.New("modbus: unknown exception")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
)

// Write operation errors.
var (
	ErrValidationFailed  = errors.New("validation failed")
	ErrUnsupportedWrite  = errors.New("data type does not support writes")
	ErrSelfCheckMismatch = errors.New("write self-check mismatch")
	ErrEntryNotWritable  = errors.New("entry is not writable")
	ErrInvalidWriteValue = errors.New("invalid value for write operation")
	ErrWriteNotEnabled   = errors.New("writes are not enabled")
)

// Service errors.
var (
	ErrServiceNotStarted = errors.New("service not started")
	ErrServiceStopped    = errors.New("service has been stopped")
	ErrServiceOverloaded = errors.New("service overloaded")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrModbusUnknownException
	}
}
