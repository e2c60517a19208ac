package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/faiface/beep"
	"github.com/zaf/g711"
)

const (
	FORMAT_TYPE_ULAW = 0
	FORMAT_TYPE_ALAW = 8

	// SampleRate of telephony audio
	SampleRate beep.SampleRate = 8000

	resampleQuality = 4
)

// Encoder reads decoded audio, converts it to 8kHz mono 16 bit PCM and encodes with G711.
// Read returns number of encoded bytes, one byte per sample, and io.EOF when stream is drained
type Encoder struct {
	streamer beep.Streamer
	encode   func(lpcm []byte) []byte
	closers  []io.Closer

	samples [][2]float64
	lpcm    []byte
}

func NewEncoder(s beep.Streamer, format beep.Format, payloadType uint8) (*Encoder, error) {
	var encode func(lpcm []byte) []byte
	switch payloadType {
	case FORMAT_TYPE_ULAW:
		encode = g711.EncodeUlaw
	case FORMAT_TYPE_ALAW:
		encode = g711.EncodeAlaw
	default:
		return nil, fmt.Errorf("not supported codec %d", payloadType)
	}

	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", format.SampleRate)
	}

	if format.SampleRate != SampleRate {
		s = beep.Resample(resampleQuality, format.SampleRate, SampleRate, s)
	}

	enc := &Encoder{
		streamer: s,
		encode:   encode,
	}
	return enc, nil
}

func (e *Encoder) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	if cap(e.samples) < len(b) {
		e.samples = make([][2]float64, len(b))
		e.lpcm = make([]byte, 2*len(b))
	}
	samples := e.samples[:len(b)]

	n, ok := e.streamer.Stream(samples)
	if n == 0 {
		if err := e.streamer.Err(); err != nil {
			return 0, err
		}
		if !ok {
			return 0, io.EOF
		}
		return 0, nil
	}

	lpcm := e.lpcm[:2*n]
	for i, s := range samples[:n] {
		// Downmix to mono
		v := (s[0] + s[1]) / 2
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(lpcm[2*i:], uint16(int16(v*32767)))
	}

	return copy(b, e.encode(lpcm)), nil
}

// Close releases decoder and file behind it
func (e *Encoder) Close() error {
	var errs []error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
