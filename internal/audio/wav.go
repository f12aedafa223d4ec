package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// WAVInfo describes a decoded RIFF/WAVE container.
type WAVInfo struct {
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Bits       int           `json:"bits"`
	DataBytes  int           `json:"data_bytes"`
	Duration   time.Duration `json:"duration"`
}

const wavHeaderSize = 44

// EncodeWAV wraps interleaved 16-bit PCM samples in a RIFF/WAVE container.
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to encode")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}

	dataSize := len(samples) * 2
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+dataSize))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	for _, s := range samples {
		binary.Write(buf, binary.LittleEndian, s)
	}

	return buf.Bytes(), nil
}

// DecodeWAV extracts interleaved 16-bit PCM samples from a RIFF/WAVE
// container. Only uncompressed 16-bit PCM is supported.
func DecodeWAV(data []byte) ([]int16, *WAVInfo, error) {
	info, dataOffset, err := parseWAVHeader(data)
	if err != nil {
		return nil, nil, err
	}

	pcm := data[dataOffset : dataOffset+info.DataBytes]
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	return samples, info, nil
}

// ValidateWAV checks that data is a decodable 16-bit PCM WAV container.
func ValidateWAV(data []byte) error {
	_, _, err := parseWAVHeader(data)
	return err
}

// GetWAVDuration returns the playback duration of a WAV container.
func GetWAVDuration(data []byte) (time.Duration, error) {
	info, _, err := parseWAVHeader(data)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}

// parseWAVHeader walks the RIFF chunk list and returns the container info
// plus the byte offset of the PCM data.
func parseWAVHeader(data []byte) (*WAVInfo, int, error) {
	if len(data) < wavHeaderSize {
		return nil, 0, fmt.Errorf("data too short for WAV header: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE container")
	}

	info := &WAVInfo{}
	haveFmt := false
	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkSize > len(data) {
			return nil, 0, fmt.Errorf("chunk %q overruns container", chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, fmt.Errorf("fmt chunk too short: %d bytes", chunkSize)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			if format != 1 {
				return nil, 0, fmt.Errorf("unsupported WAV format code %d, want PCM", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			info.Bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			if info.Bits != 16 {
				return nil, 0, fmt.Errorf("unsupported bit depth %d, want 16", info.Bits)
			}
			if info.Channels <= 0 || info.SampleRate <= 0 {
				return nil, 0, fmt.Errorf("invalid fmt chunk: channels=%d rate=%d", info.Channels, info.SampleRate)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			info.DataBytes = chunkSize
			frames := chunkSize / (info.Channels * 2)
			info.Duration = time.Duration(frames) * time.Second / time.Duration(info.SampleRate)
			return info, body, nil
		}

		// Chunks are word-aligned.
		if chunkSize%2 == 1 {
			chunkSize++
		}
		pos = body + chunkSize
	}

	return nil, 0, fmt.Errorf("no data chunk found")
}
