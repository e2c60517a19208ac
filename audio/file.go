package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
)

// OpenFile opens audio file as stream of G711 encoded samples for payload type.
// Compressed and wav files are decoded and resampled, raw G711 files are passed as they are.
func OpenFile(name string, payloadType uint8) (io.ReadCloser, error) {
	ext := strings.ToLower(filepath.Ext(name))

	switch ext {
	case ".ulaw", ".pcmu", ".alaw", ".pcma", ".raw":
		if err := matchRawCodec(ext, payloadType); err != nil {
			return nil, err
		}
		return os.Open(name)
	case ".mp3", ".wav":
	default:
		return nil, fmt.Errorf("unsupported audio file %q", name)
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	var enc *Encoder
	switch ext {
	case ".mp3":
		s, format, err := mp3.Decode(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("fail to decode mp3: %w", err)
		}
		enc, err = NewEncoder(s, format, payloadType)
		if err != nil {
			s.Close()
			return nil, err
		}
		enc.closers = append(enc.closers, s)

	case ".wav":
		s, format, err := wav.Decode(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("fail to decode wav: %w", err)
		}
		enc, err = NewEncoder(s, format, payloadType)
		if err != nil {
			s.Close()
			f.Close()
			return nil, err
		}
		enc.closers = append(enc.closers, s, f)
	}

	return enc, nil
}

func matchRawCodec(ext string, payloadType uint8) error {
	switch ext {
	case ".ulaw", ".pcmu":
		if payloadType != FORMAT_TYPE_ULAW {
			return fmt.Errorf("file is ulaw but payload type is %d", payloadType)
		}
	case ".alaw", ".pcma":
		if payloadType != FORMAT_TYPE_ALAW {
			return fmt.Errorf("file is alaw but payload type is %d", payloadType)
		}
	}
	return nil
}
