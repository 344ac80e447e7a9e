package audioio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the canonical linear PCM WAV header.
const WAVHeaderSize = 44

// ErrInvalidWAV indicates a buffer does not start with a canonical PCM header.
var ErrInvalidWAV = errors.New("audioio: invalid wav header")

// WAVHeader builds the 44-byte header describing dataLen bytes of PCM in f.
func WAVHeader(dataLen int, f Format) []byte {
	h := make([]byte, WAVHeaderSize)

	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")

	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // integer PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BytesPerSample*8))

	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))

	return h
}

// EncodeWAV wraps raw PCM in a WAV container. The PCM bytes follow the header
// unchanged.
func EncodeWAV(pcm []byte, f Format) []byte {
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, WAVHeader(len(pcm), f)...)
	return append(out, pcm...)
}

// WAVInfo is the information carried by a canonical header.
type WAVInfo struct {
	Format  Format
	DataLen int
}

// ParseWAVHeader reads back a header produced by WAVHeader.
func ParseWAVHeader(b []byte) (WAVInfo, error) {
	if len(b) < WAVHeaderSize {
		return WAVInfo{}, fmt.Errorf("%w: %d bytes", ErrInvalidWAV, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" ||
		string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return WAVInfo{}, fmt.Errorf("%w: bad chunk ids", ErrInvalidWAV)
	}
	if tag := binary.LittleEndian.Uint16(b[20:22]); tag != 1 {
		return WAVInfo{}, fmt.Errorf("%w: format tag %d", ErrInvalidWAV, tag)
	}

	return WAVInfo{
		Format: Format{
			SampleRate:     int(binary.LittleEndian.Uint32(b[24:28])),
			Channels:       int(binary.LittleEndian.Uint16(b[22:24])),
			BytesPerSample: int(binary.LittleEndian.Uint16(b[34:36])) / 8,
		},
		DataLen: int(binary.LittleEndian.Uint32(b[40:44])),
	}, nil
}
