// Package sound post-processes generated audio: it probes the
// realized duration of a clip and embeds metadata tags and cover art
// into the output file.
package sound

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// Duration probes the playback length of an audio clip. It decodes
// mp3 frames or reads the wav header depending on format; other
// formats are rejected.
func Duration(data []byte, format string) (time.Duration, error) {
	switch format {
	case "mp3":
		return mp3Duration(data)
	case "wav":
		return wavDuration(data)
	default:
		return 0, fmt.Errorf("sound: unsupported format: %s", format)
	}
}

func mp3Duration(data []byte) (time.Duration, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("sound: couldn't create mp3 decoder: %w", err)
	}
	// 4 bytes per sample: 16-bit stereo
	samples := decoder.Length() / 4
	rate := decoder.SampleRate()
	if rate == 0 {
		return 0, fmt.Errorf("sound: invalid mp3 sample rate")
	}
	return time.Duration(samples) * time.Second / time.Duration(rate), nil
}

func wavDuration(data []byte) (time.Duration, error) {
	// Minimal RIFF/WAVE header: 12-byte RIFF chunk plus fmt chunk.
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, fmt.Errorf("sound: not a wav file")
	}
	r := bytes.NewReader(data[12:])
	var byteRate uint32
	var dataSize uint32
	for {
		var header [8]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			break
		}
		id := string(header[0:4])
		size := binary.LittleEndian.Uint32(header[4:8])
		skip := int64(size)
		switch id {
		case "fmt ":
			var fmtChunk [16]byte
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return 0, fmt.Errorf("sound: truncated fmt chunk")
			}
			byteRate = binary.LittleEndian.Uint32(fmtChunk[8:12])
			skip -= 16
		case "data":
			dataSize = size
		}
		if byteRate != 0 && dataSize != 0 {
			break
		}
		// RIFF chunks are word aligned: odd payloads carry a pad byte.
		if size%2 == 1 {
			skip++
		}
		if skip > 0 {
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return 0, fmt.Errorf("sound: couldn't skip chunk %q: %w", id, err)
			}
		}
	}
	if byteRate == 0 || dataSize == 0 {
		return 0, fmt.Errorf("sound: missing fmt or data chunk")
	}
	return time.Duration(dataSize) * time.Second / time.Duration(byteRate), nil
}
