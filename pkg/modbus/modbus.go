// Package modbus implements the MODBUS TCP application layer on top of
// pkg/transport: MBAP framing, transaction-id correlation, function-code
// selection by register class, and exception decoding.
package modbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldbridge/indgw/pkg/ierrors"
	"github.com/fieldbridge/indgw/pkg/transport"
)

// Function codes defined by the MODBUS application protocol.
const (
	FuncReadCoils              byte = 0x01
	FuncReadDiscreteInputs     byte = 0x02
	FuncReadHoldingRegisters   byte = 0x03
	FuncReadInputRegisters     byte = 0x04
	FuncWriteSingleCoil        byte = 0x05
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleCoils     byte = 0x0F
	FuncWriteMultipleRegisters byte = 0x10
)

// RegisterClass selects which of the four MODBUS data tables a request
// addresses.
type RegisterClass int

const (
	ClassCoil RegisterClass = iota
	ClassDiscreteInput
	ClassHolding
	ClassInput
)

func (c RegisterClass) readFunctionCode() byte {
	switch c {
	case ClassCoil:
		return FuncReadCoils
	case ClassDiscreteInput:
		return FuncReadDiscreteInputs
	case ClassInput:
		return FuncReadInputRegisters
	default:
		return FuncReadHoldingRegisters
	}
}

func (c RegisterClass) writeSingleFunctionCode() (byte, bool) {
	switch c {
	case ClassCoil:
		return FuncWriteSingleCoil, true
	case ClassHolding:
		return FuncWriteSingleRegister, true
	default:
		return 0, false
	}
}

func (c RegisterClass) writeMultipleFunctionCode() (byte, bool) {
	switch c {
	case ClassCoil:
		return FuncWriteMultipleCoils, true
	case ClassHolding:
		return FuncWriteMultipleRegisters, true
	default:
		return 0, false
	}
}

// EventKind distinguishes the three shapes of protocol event a Client
// can emit for telemetry.
type EventKind int

const (
	EventRequest EventKind = iota
	EventResponse
	EventException
)

// Event is a single request/response/exception observation, grounded on
// the same three-variant event shape used by the protocol engine this
// client is modelled after.
type Event struct {
	Kind          EventKind
	DeviceID      string
	TransactionID uint16
	FunctionCode  byte
	Address       uint16
	Quantity      uint16
	ExceptionCode byte
	Success       bool
	LatencyUs     uint32
	Timestamp     time.Time
}

// ReadRequest describes one register read.
type ReadRequest struct {
	RequestID uint32
	Class     RegisterClass
	Address   uint16
	Quantity  uint16
}

// ReadResponse carries the raw 16-bit register words (or decoded bits
// for coil/discrete reads) returned by a read.
type ReadResponse struct {
	RequestID     uint32
	TransactionID uint16
	Values        []uint16
	Bits          []bool
	LatencyUs     uint32
}

// WriteRequest describes a single- or multi-register/coil write.
type WriteRequest struct {
	RequestID uint32
	Class     RegisterClass
	Address   uint16
	Values    []uint16
}

type inflightEntry struct {
	requestID uint32
	sentAt    time.Time
}

// Client is a single device's MODBUS TCP protocol engine: it owns the
// transaction-id sequence and in-flight correlation table for the
// Transport it wraps.
type Client struct {
	deviceID  string
	unitID    uint8
	transport *transport.Transport

	txnID atomic.Uint32 // holds a uint16 value; wraps via mask

	inflightMu sync.Mutex
	inflight   map[uint16]inflightEntry

	events chan Event
}

// New constructs a protocol Client bound to an already-configured
// Transport. events may be nil if no telemetry forwarding is wanted.
func New(deviceID string, unitID uint8, t *transport.Transport, events chan Event) *Client {
	return &Client{
		deviceID:  deviceID,
		unitID:    unitID,
		transport: t,
		inflight:  make(map[uint16]inflightEntry),
		events:    events,
	}
}

// nextTransactionID returns a monotonically increasing 16-bit id,
// skipping zero so it is never mistaken for "no correlation".
func (c *Client) nextTransactionID() uint16 {
	for {
		next := uint16(c.txnID.Add(1))
		if next != 0 {
			return next
		}
	}
}

func buildMBAP(transactionID uint16, unitID uint8, pdu []byte) []byte {
	length := uint16(len(pdu) + 1) // unit id + PDU
	frame := make([]byte, 0, 7+len(pdu))
	frame = append(frame,
		byte(transactionID>>8), byte(transactionID),
		0x00, 0x00, // protocol id
		byte(length>>8), byte(length),
		unitID,
	)
	return append(frame, pdu...)
}

// parseMBAP splits a raw frame (as returned by Transport.SendReceive)
// into its transaction id, unit id and PDU.
func parseMBAP(data []byte) (transactionID uint16, unitID uint8, pdu []byte, err error) {
	if len(data) < 8 {
		return 0, 0, nil, ierrors.InvalidResponse("response too short")
	}
	transactionID = uint16(data[0])<<8 | uint16(data[1])
	protocolID := uint16(data[2])<<8 | uint16(data[3])
	unitID = data[6]
	if protocolID != 0 {
		return 0, 0, nil, ierrors.InvalidResponse("unexpected protocol id")
	}
	return transactionID, unitID, data[7:], nil
}

func (c *Client) emit(e Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- e:
	default:
	}
}

func (c *Client) trackInflight(transactionID uint16, requestID uint32) {
	c.inflightMu.Lock()
	c.inflight[transactionID] = inflightEntry{requestID: requestID, sentAt: time.Now()}
	c.inflightMu.Unlock()
}

func (c *Client) clearInflight(transactionID uint16) {
	c.inflightMu.Lock()
	delete(c.inflight, transactionID)
	c.inflightMu.Unlock()
}

// Read issues a single register/coil read and waits for the correlated
// response.
func (c *Client) Read(ctx context.Context, req ReadRequest) (*ReadResponse, error) {
	transactionID := c.nextTransactionID()
	functionCode := req.Class.readFunctionCode()

	pdu := []byte{
		functionCode,
		byte(req.Address >> 8), byte(req.Address),
		byte(req.Quantity >> 8), byte(req.Quantity),
	}
	frame := buildMBAP(transactionID, c.unitID, pdu)

	sentAt := time.Now()
	c.trackInflight(transactionID, req.RequestID)
	c.emit(Event{
		Kind: EventRequest, DeviceID: c.deviceID, TransactionID: transactionID,
		FunctionCode: functionCode, Address: req.Address, Quantity: req.Quantity, Timestamp: sentAt,
	})

	resp, err := c.transport.SendReceive(ctx, frame)
	c.clearInflight(transactionID)
	if err != nil {
		return nil, err
	}
	latency := time.Since(sentAt)

	respTxnID, _, respPDU, err := parseMBAP(resp)
	if err != nil {
		return nil, err
	}
	if respTxnID != transactionID {
		return nil, ierrors.TransactionMismatch(transactionID, respTxnID)
	}
	if len(respPDU) == 0 {
		return nil, ierrors.InvalidResponse("empty PDU")
	}

	if respPDU[0]&0x80 != 0 {
		if len(respPDU) < 2 {
			return nil, ierrors.InvalidResponse("truncated exception response")
		}
		exceptionCode := respPDU[1]
		c.emit(Event{
			Kind: EventException, DeviceID: c.deviceID, TransactionID: transactionID,
			FunctionCode: respPDU[0] &^ 0x80, ExceptionCode: exceptionCode, Timestamp: time.Now(),
		})
		return nil, ierrors.ModbusException(respPDU[0]&^0x80, exceptionCode)
	}

	byteCount := int(respPDU[1])
	if len(respPDU) < 2+byteCount {
		return nil, ierrors.InvalidResponse("truncated data payload")
	}
	data := respPDU[2 : 2+byteCount]

	result := &ReadResponse{RequestID: req.RequestID, TransactionID: transactionID, LatencyUs: uint32(latency.Microseconds())}
	if req.Class == ClassCoil || req.Class == ClassDiscreteInput {
		result.Bits = decodeBits(data, int(req.Quantity))
	} else {
		result.Values = decodeWords(data)
	}

	c.emit(Event{
		Kind: EventResponse, DeviceID: c.deviceID, TransactionID: transactionID,
		Success: true, LatencyUs: result.LatencyUs, Timestamp: time.Now(),
	})
	return result, nil
}

func decodeWords(data []byte) []uint16 {
	words := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		words = append(words, uint16(data[i])<<8|uint16(data[i+1]))
	}
	return words
}

func decodeBits(data []byte, quantity int) []bool {
	bits := make([]bool, 0, quantity)
	for i := 0; i < quantity; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= len(data) {
			bits = append(bits, false)
			continue
		}
		bits = append(bits, data[byteIdx]&(1<<bitIdx) != 0)
	}
	return bits
}

// WriteSingle writes one coil or holding register.
func (c *Client) WriteSingle(ctx context.Context, req WriteRequest) error {
	if len(req.Values) == 0 {
		return ierrors.InvalidConfig("no values to write")
	}
	functionCode, ok := req.Class.writeSingleFunctionCode()
	if !ok {
		return ierrors.InvalidConfig("cannot write to a read-only register class")
	}

	value := req.Values[0]
	if req.Class == ClassCoil {
		if value != 0 {
			value = 0xFF00
		} else {
			value = 0x0000
		}
	}

	transactionID := c.nextTransactionID()
	pdu := []byte{
		functionCode,
		byte(req.Address >> 8), byte(req.Address),
		byte(value >> 8), byte(value),
	}
	frame := buildMBAP(transactionID, c.unitID, pdu)

	resp, err := c.transport.SendReceive(ctx, frame)
	if err != nil {
		return err
	}
	return c.checkWriteAck(transactionID, resp)
}

// WriteMultiple writes several consecutive coils or holding registers.
func (c *Client) WriteMultiple(ctx context.Context, req WriteRequest) error {
	if len(req.Values) == 0 {
		return ierrors.InvalidConfig("no values to write")
	}
	functionCode, ok := req.Class.writeMultipleFunctionCode()
	if !ok {
		return ierrors.InvalidConfig("cannot write to a read-only register class")
	}

	transactionID := c.nextTransactionID()
	quantity := uint16(len(req.Values))

	var pdu []byte
	if req.Class == ClassCoil {
		byteCount := byte((quantity + 7) / 8)
		pdu = append(pdu, functionCode, byte(req.Address>>8), byte(req.Address), byte(quantity>>8), byte(quantity), byteCount)
		packed := make([]byte, byteCount)
		for i, v := range req.Values {
			if v != 0 {
				packed[i/8] |= 1 << uint(i%8)
			}
		}
		pdu = append(pdu, packed...)
	} else {
		byteCount := byte(quantity * 2)
		pdu = append(pdu, functionCode, byte(req.Address>>8), byte(req.Address), byte(quantity>>8), byte(quantity), byteCount)
		for _, v := range req.Values {
			pdu = append(pdu, byte(v>>8), byte(v))
		}
	}

	frame := buildMBAP(transactionID, c.unitID, pdu)
	resp, err := c.transport.SendReceive(ctx, frame)
	if err != nil {
		return err
	}
	return c.checkWriteAck(transactionID, resp)
}

func (c *Client) checkWriteAck(transactionID uint16, resp []byte) error {
	respTxnID, _, respPDU, err := parseMBAP(resp)
	if err != nil {
		return err
	}
	if respTxnID != transactionID {
		return ierrors.TransactionMismatch(transactionID, respTxnID)
	}
	if len(respPDU) >= 2 && respPDU[0]&0x80 != 0 {
		return ierrors.ModbusException(respPDU[0]&^0x80, respPDU[1])
	}
	return nil
}
