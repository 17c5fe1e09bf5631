// Package media reads timing metadata embedded in captured audio.
package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownFormat is returned when a payload carries no timing metadata we can read.
var ErrUnknownFormat = errors.New("unknown audio format")

// streamingSize is the RIFF size written while the final length is unknown.
const streamingSize = 0xFFFFFFFF

// WAVInfo is the subset of a RIFF/WAVE header needed to compute duration.
type WAVInfo struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
	ByteRate      uint32
	DataOffset    int
	DataSize      int64
}

// Duration returns the playback length encoded in payload.
func Duration(payload []byte) (time.Duration, error) {
	info, err := ParseWAV(payload)
	if err != nil {
		return 0, err
	}
	return info.Duration(), nil
}

// Duration converts the data size to playback time.
func (w WAVInfo) Duration() time.Duration {
	if w.ByteRate == 0 {
		return 0
	}
	secs := w.DataSize / int64(w.ByteRate)
	rem := w.DataSize % int64(w.ByteRate)
	return time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(w.ByteRate)
}

// ParseWAV reads the RIFF header of payload. Size fields written as
// placeholders by streaming encoders (0 or 0xFFFFFFFF, or larger than the
// payload) are replaced by the bytes actually present.
func ParseWAV(payload []byte) (WAVInfo, error) {
	var info WAVInfo
	if len(payload) < 12 || string(payload[0:4]) != "RIFF" || string(payload[8:12]) != "WAVE" {
		return info, ErrUnknownFormat
	}

	haveFmt := false
	off := 12
	for off+8 <= len(payload) {
		id := string(payload[off : off+4])
		size := int64(binary.LittleEndian.Uint32(payload[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if body+16 > len(payload) {
				return info, fmt.Errorf("%w: truncated fmt chunk", ErrUnknownFormat)
			}
			info.Channels = binary.LittleEndian.Uint16(payload[body+2 : body+4])
			info.SampleRate = binary.LittleEndian.Uint32(payload[body+4 : body+8])
			info.ByteRate = binary.LittleEndian.Uint32(payload[body+8 : body+12])
			info.BitsPerSample = binary.LittleEndian.Uint16(payload[body+14 : body+16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return info, fmt.Errorf("%w: data chunk before fmt", ErrUnknownFormat)
			}
			available := int64(len(payload) - body)
			if size == 0 || size == streamingSize || size > available {
				size = available
			}
			info.DataOffset = body
			info.DataSize = size
			if info.ByteRate == 0 {
				return info, fmt.Errorf("%w: zero byte rate", ErrUnknownFormat)
			}
			return info, nil
		}

		// Chunks are word aligned.
		next := int64(body) + size + size%2
		if next > int64(len(payload)) {
			break
		}
		off = int(next)
	}
	return info, fmt.Errorf("%w: no data chunk", ErrUnknownFormat)
}

// WAVHeader builds a 44-byte PCM header for dataSize bytes of audio.
// A dataSize of 0xFFFFFFFF marks a stream of unknown length.
func WAVHeader(sampleRate uint32, channels, bitsPerSample uint16, dataSize uint32) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * uint32(blockAlign)
	riffSize := dataSize
	if dataSize != streamingSize {
		riffSize = 36 + dataSize
	}

	h := make([]byte, 44)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], riffSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], channels)
	binary.LittleEndian.PutUint32(h[24:28], sampleRate)
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], blockAlign)
	binary.LittleEndian.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataSize)
	return h
}

// Seal rewrites placeholder RIFF and data sizes in a streamed WAV so the
// header matches the bytes present. Non-WAV payloads are returned unchanged.
// Sizes that do not fit in 32 bits stay as the streaming placeholder, which
// ParseWAV resolves by counting the bytes present.
func Seal(payload []byte) []byte {
	info, err := ParseWAV(payload)
	if err != nil || info.DataOffset < 8 {
		return payload
	}
	sealed := make([]byte, len(payload))
	copy(sealed, payload)
	binary.LittleEndian.PutUint32(sealed[4:8], sizeField(int64(len(sealed)-8)))
	binary.LittleEndian.PutUint32(sealed[info.DataOffset-4:info.DataOffset], sizeField(info.DataSize))
	return sealed
}

// sizeField encodes n as a RIFF size, or the streaming placeholder when n
// does not fit.
func sizeField(n int64) uint32 {
	if n >= streamingSize {
		return streamingSize
	}
	return uint32(n)
}
