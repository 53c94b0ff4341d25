package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of the synthesized container header.
const HeaderSize = 44

// Params describes the PCM stream a header is synthesized for.
type Params struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// header is the canonical 44-byte RIFF/WAVE layout over raw PCM data. The
// four-byte tag fields are ASCII literals; all numeric fields are
// little-endian on the wire.
type header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // data size + HeaderSize - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // raw PCM byte count
}

// SynthesizeHeader builds the container header for dataSize bytes of raw PCM.
// The provider emits headerless frames and no frame carries the total length,
// so the header can only be produced once accumulation is complete.
func SynthesizeHeader(dataSize int, p Params) ([]byte, error) {
	if dataSize < 0 {
		return nil, fmt.Errorf("data size must not be negative, got %d", dataSize)
	}
	if p.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", p.SampleRate)
	}
	if p.Channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", p.Channels)
	}
	if p.BitsPerSample <= 0 || p.BitsPerSample%8 != 0 {
		return nil, fmt.Errorf("bits per sample must be a positive multiple of 8, got %d", p.BitsPerSample)
	}

	h := header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(dataSize + HeaderSize - 8),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(p.Channels),
		SampleRate:    uint32(p.SampleRate),
		ByteRate:      uint32(p.SampleRate * p.Channels * p.BitsPerSample / 8),
		BlockAlign:    uint16(p.Channels * p.BitsPerSample / 8),
		BitsPerSample: uint16(p.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("write container header: %w", err)
	}
	return buf.Bytes(), nil
}
