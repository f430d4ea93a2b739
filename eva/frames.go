package eva

import (
	"encoding/binary"
	"fmt"
)

// Frame type constants.
const (
	frameWriteRequest    uint8 = 1
	frameAcknowledgement uint8 = 2
	frameData            uint8 = 3
	frameError           uint8 = 4
	frameDone            uint8 = 5
)

// WriteRequest announces a new transfer: total size, uniqueness nonce and an
// opaque tag identifying the logical transfer.
type WriteRequest struct {
	DataSize uint64
	Nonce    uint64
	Info     []byte
}

func (f *WriteRequest) Encode() []byte {
	b := make([]byte, 0, 17+len(f.Info))
	b = append(b, frameWriteRequest)
	b = binary.BigEndian.AppendUint64(b, f.DataSize)
	b = binary.BigEndian.AppendUint64(b, f.Nonce)
	return append(b, f.Info...)
}

func decodeWriteRequest(b []byte) (*WriteRequest, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("write-request frame too short: %d bytes", len(b))
	}
	return &WriteRequest{
		DataSize: binary.BigEndian.Uint64(b[0:8]),
		Nonce:    binary.BigEndian.Uint64(b[8:16]),
		Info:     b[16:],
	}, nil
}

// Acknowledgement advances the sender to the given block number and opens a
// window of WindowSize blocks.
type Acknowledgement struct {
	Number     uint32
	WindowSize uint32
	Nonce      uint64
}

func (f *Acknowledgement) Encode() []byte {
	b := make([]byte, 0, 17)
	b = append(b, frameAcknowledgement)
	b = binary.BigEndian.AppendUint32(b, f.Number)
	b = binary.BigEndian.AppendUint32(b, f.WindowSize)
	return binary.BigEndian.AppendUint64(b, f.Nonce)
}

func decodeAcknowledgement(b []byte) (*Acknowledgement, error) {
	if len(b) != 16 {
		return nil, fmt.Errorf("acknowledgement frame: %d bytes", len(b))
	}
	return &Acknowledgement{
		Number:     binary.BigEndian.Uint32(b[0:4]),
		WindowSize: binary.BigEndian.Uint32(b[4:8]),
		Nonce:      binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// Data carries one block. An empty payload marks the end of the stream.
type Data struct {
	BlockIndex uint32
	Nonce      uint64
	Payload    []byte
}

func (f *Data) Encode() []byte {
	b := make([]byte, 0, 13+len(f.Payload))
	b = append(b, frameData)
	b = binary.BigEndian.AppendUint32(b, f.BlockIndex)
	b = binary.BigEndian.AppendUint64(b, f.Nonce)
	return append(b, f.Payload...)
}

func decodeData(b []byte) (*Data, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("data frame too short: %d bytes", len(b))
	}
	return &Data{
		BlockIndex: binary.BigEndian.Uint32(b[0:4]),
		Nonce:      binary.BigEndian.Uint64(b[4:12]),
		Payload:    b[12:],
	}, nil
}

// ErrorFrame aborts the peer's transfer with a human-readable message.
type ErrorFrame struct {
	Nonce   uint64
	Message string
}

func (f *ErrorFrame) Encode() []byte {
	b := make([]byte, 0, 9+len(f.Message))
	b = append(b, frameError)
	b = binary.BigEndian.AppendUint64(b, f.Nonce)
	return append(b, f.Message...)
}

func decodeError(b []byte) (*ErrorFrame, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("error frame too short: %d bytes", len(b))
	}
	return &ErrorFrame{
		Nonce:   binary.BigEndian.Uint64(b[0:8]),
		Message: string(b[8:]),
	}, nil
}

// Done tells the sender the receiver has completed and released the transfer.
type Done struct {
	Nonce uint64
}

func (f *Done) Encode() []byte {
	b := make([]byte, 0, 9)
	b = append(b, frameDone)
	return binary.BigEndian.AppendUint64(b, f.Nonce)
}

func decodeDone(b []byte) (*Done, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("done frame: %d bytes", len(b))
	}
	return &Done{Nonce: binary.BigEndian.Uint64(b)}, nil
}
