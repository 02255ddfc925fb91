package pipeline

import (
	"encoding/binary"
	"errors"
	"io"
)

// readWAVPCM16 returns the mono PCM16 samples of a WAV body and their sample
// rate. Stereo is averaged down to mono.
func readWAVPCM16(r io.Reader) ([]byte, int, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, 0, errors.New("not a WAV")
	}
	le := binary.LittleEndian
	off := 12
	var channels uint16
	var rate uint32
	var raw []byte
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(le.Uint32(b[off+4 : off+8]))
		off += 8
		switch id {
		case "fmt ":
			if size < 16 || off+size > len(b) {
				return nil, 0, errors.New("bad fmt chunk")
			}
			tag := le.Uint16(b[off:])
			channels = le.Uint16(b[off+2:])
			rate = le.Uint32(b[off+4:])
			bits := le.Uint16(b[off+14:])
			if tag != 1 || bits != 16 || channels == 0 || channels > 2 {
				return nil, 0, errors.New("unsupported WAV format")
			}
		case "data":
			if channels == 0 {
				return nil, 0, errors.New("data before fmt chunk")
			}
			// Streamed WAVs carry a placeholder length; take what arrived.
			end := off + size
			if size == 0 || end > len(b) || end < off {
				end = len(b)
			}
			raw = b[off:end]
		}
		if raw != nil {
			break
		}
		off += size + size&1
	}
	if raw == nil {
		return nil, 0, errors.New("no data chunk")
	}
	if channels == 2 {
		out := make([]byte, len(raw)/4*2)
		for i := 0; i+3 < len(raw); i += 4 {
			a := int32(int16(le.Uint16(raw[i:])))
			c := int32(int16(le.Uint16(raw[i+2:])))
			le.PutUint16(out[i/2:], uint16(int16((a+c)/2)))
		}
		raw = out
	}
	return raw[:len(raw)&^1], int(rate), nil
}
