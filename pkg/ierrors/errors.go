// Package ierrors provides the tagged error taxonomy shared by every
// gateway subsystem: connection, protocol, configuration, gateway and
// internal errors, each carrying a stable numeric code for telemetry and
// a recoverability verdict the scheduler and transport use to decide
// whether to retry.
package ierrors

import "fmt"

// Kind identifies which of the six error categories a value belongs to.
type Kind string

const (
	KindConnection    Kind = "connection"
	KindProtocol      Kind = "protocol"
	KindConfiguration Kind = "configuration"
	KindSerial        Kind = "serial"
	KindGateway       Kind = "gateway"
	KindInternal      Kind = "internal"
)

// Error is the concrete type returned by every gateway subsystem. It is
// never constructed directly outside this package; use one of the
// constructor functions below so the code and recoverability stay in
// sync with the taxonomy.
type Error struct {
	Kind        Kind
	Code        uint16
	Message     string
	recoverable bool
}

func (e *Error) Error() string {
	return e.Message
}

// ErrorCode returns the stable numeric code used in telemetry events.
func (e *Error) ErrorCode() uint16 {
	return e.Code
}

// Recoverable reports whether the originating operation may be retried.
func (e *Error) Recoverable() bool {
	return e.recoverable
}

func newErr(kind Kind, code uint16, recoverable bool, format string, args ...interface{}) *Error {
	return &Error{
		Kind:        kind,
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		recoverable: recoverable,
	}
}

// --- Connection errors: 100s ---

func ConnectionFailed(address, reason string) *Error {
	return newErr(KindConnection, 100, false, "connection failed to %s: %s", address, reason)
}

func ConnectionTimeout(address string, timeoutMs uint32) *Error {
	return newErr(KindConnection, 101, true, "connection timeout to %s after %dms", address, timeoutMs)
}

func ConnectionRefused(address string) *Error {
	return newErr(KindConnection, 102, false, "connection refused by %s", address)
}

func ConnectionReset(address string) *Error {
	return newErr(KindConnection, 103, true, "connection reset by %s", address)
}

func NotConnected(deviceID string) *Error {
	return newErr(KindConnection, 104, false, "not connected to device %s", deviceID)
}

// --- Protocol errors: 2xx ---

// exceptionMessage maps a MODBUS exception code to its standard name.
func exceptionMessage(code byte) string {
	switch code {
	case 1:
		return "Illegal Function"
	case 2:
		return "Illegal Data Address"
	case 3:
		return "Illegal Data Value"
	case 4:
		return "Slave Device Failure"
	case 5:
		return "Acknowledge"
	case 6:
		return "Slave Device Busy"
	default:
		return "Unknown Exception"
	}
}

// ModbusException builds the error for a MODBUS exception response.
// Exception codes 5 (Acknowledge) and 6 (Slave Device Busy) are
// recoverable; everything else fails the request outright.
func ModbusException(functionCode, exceptionCode byte) *Error {
	recoverable := exceptionCode == 5 || exceptionCode == 6
	return newErr(KindProtocol, 200+uint16(exceptionCode), recoverable,
		"MODBUS exception on function 0x%02X: %s (code %d)", functionCode, exceptionMessage(exceptionCode), exceptionCode)
}

func ResponseTimeout(transactionID uint16) *Error {
	return newErr(KindProtocol, 210, true, "response timeout for transaction %d", transactionID)
}

func InvalidResponse(reason string) *Error {
	return newErr(KindProtocol, 211, false, "invalid response: %s", reason)
}

func TransactionMismatch(expected, actual uint16) *Error {
	return newErr(KindProtocol, 212, false, "transaction id mismatch: expected %d, got %d", expected, actual)
}

func CrcError(expected, actual uint16) *Error {
	return newErr(KindProtocol, 213, true, "crc error: expected %04X, got %04X", expected, actual)
}

// --- Configuration errors: 3xx ---

func InvalidConfig(reason string) *Error {
	return newErr(KindConfiguration, 300, false, "invalid configuration: %s", reason)
}

func DeviceNotFound(deviceID string) *Error {
	return newErr(KindConfiguration, 301, false, "device not found: %s", deviceID)
}

func RegisterNotFound(deviceID, name string) *Error {
	return newErr(KindConfiguration, 302, false, "register not found: %s on device %s", name, deviceID)
}

func LimitExceeded(limitName string, max, requested uint32) *Error {
	return newErr(KindConfiguration, 303, false, "limit exceeded: %s (max: %d, requested: %d)", limitName, max, requested)
}

// --- Serial errors: 4xx ---
//
// No serial transport ships today, but the codes are reserved so a
// future Transport implementation slots into the same taxonomy without
// renumbering anything already on the wire.

func SerialError(port, reason string) *Error {
	return newErr(KindSerial, 400, false, "serial port error on %s: %s", port, reason)
}

func FramingError(port string) *Error {
	return newErr(KindSerial, 401, true, "framing error on %s", port)
}

func ParityError(port string) *Error {
	return newErr(KindSerial, 402, true, "parity error on %s", port)
}

// --- Gateway errors: 5xx ---

func GatewayNotRunning() *Error {
	return newErr(KindGateway, 500, false, "gateway is not running")
}

func GatewayAlreadyRunning() *Error {
	return newErr(KindGateway, 501, false, "gateway is already running")
}

func ShutdownError(reason string) *Error {
	return newErr(KindGateway, 502, false, "gateway shutdown error: %s", reason)
}

// --- Internal errors: 9xx ---

func Internal(reason string) *Error {
	return newErr(KindInternal, 900, false, "internal error: %s", reason)
}

func IO(err error) *Error {
	return newErr(KindInternal, 901, false, "io error: %v", err)
}

func ChannelSend() *Error {
	return newErr(KindInternal, 902, false, "channel send error")
}

func ChannelReceive() *Error {
	return newErr(KindInternal, 903, false, "channel receive error")
}

// IsRecoverable reports whether err is a tagged *Error whose operation
// may be retried. Any other error type is treated as non-recoverable.
func IsRecoverable(err error) bool {
	ie, ok := err.(*Error)
	if !ok {
		return false
	}
	return ie.Recoverable()
}

// Code extracts the numeric error code from a tagged *Error, or 0 if err
// is not one.
func Code(err error) uint16 {
	ie, ok := err.(*Error)
	if !ok {
		return 0
	}
	return ie.Code
}
