package modbus

import (
	"encoding/binary"
	"fmt"
)

// MBAP Header (7 Bytes) + Function Code + Data
type ModbusFrame struct {
	TransactionID uint16 // 2 Bytes - Request/Response Korrelation
	ProtocolID    uint16 // 2 Bytes - Immer 0x0000 für Modbus
	Length        uint16 // 2 Bytes - Anzahl folgender Bytes
	UnitID        uint8  // 1 Byte - Slave Address
	FunctionCode  uint8  // 1 Byte - Modbus Function
	Data          []byte // Variable Länge
}

// Modbus Function Codes
const (
	FuncCodeReadCoils            = 0x01
	FuncCodeReadDiscreteInputs   = 0x02
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04

	exceptionFlag = 0x80
)

const mbapHeaderLen = 7

// MaxDiscreteInputs is the protocol limit for one FC 0x02 request.
const MaxDiscreteInputs = 2000

// Encode erstellt das komplette TCP Frame
func (f *ModbusFrame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // +2 für UnitID + FunctionCode

	frame := make([]byte, mbapHeaderLen+1+len(f.Data))

	// MBAP Header
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID

	// PDU
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// Decode parst ein empfangenes Frame
func DecodeFrame(data []byte) (*ModbusFrame, error) {
	if len(data) < mbapHeaderLen+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &ModbusFrame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}

	if len(data) > mbapHeaderLen+1 {
		frame.Data = data[mbapHeaderLen+1:]
	}

	return frame, nil
}

// ReadDiscreteInputsRequest erstellt Request für Function Code 0x02
func ReadDiscreteInputsRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &ModbusFrame{
		TransactionID: transactionID,
		ProtocolID:    0x0000,
		UnitID:        unitID,
		FunctionCode:  FuncCodeReadDiscreteInputs,
		Data:          data,
	}
}

// ExceptionError is returned when the slave answers with an exception PDU.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X for function 0x%02X", e.Code, e.FunctionCode)
}

// CheckException converts an exception response into an *ExceptionError.
func (f *ModbusFrame) CheckException() error {
	if f.FunctionCode&exceptionFlag == 0 {
		return nil
	}
	code := uint8(0)
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionFlag, Code: code}
}

// ParseBitResponse parst Coil/Discrete Input Response (LSB first)
func (f *ModbusFrame) ParseBitResponse(quantity uint16) ([]bool, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(f.Data[0])
	if len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("incomplete response data")
	}
	if byteCount*8 < int(quantity) {
		return nil, fmt.Errorf("response carries %d bits, requested %d", byteCount*8, quantity)
	}

	bits := make([]bool, quantity)
	for i := 0; i < int(quantity); i++ {
		bits[i] = f.Data[1+i/8]&(1<<(uint(i)%8)) != 0
	}

	return bits, nil
}

// EncodeBitResponse builds the PDU data of a coil/discrete input answer.
// Used by test slaves and the bench simulator.
func EncodeBitResponse(bits []bool) []byte {
	byteCount := (len(bits) + 7) / 8
	data := make([]byte, 1+byteCount)
	data[0] = byte(byteCount)
	for i, b := range bits {
		if b {
			data[1+i/8] |= 1 << (uint(i) % 8)
		}
	}
	return data
}
