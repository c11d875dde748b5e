package audio

import (
	"bytes"
	"path/filepath"
	"strings"
	"time"
)

// SniffLen is how many leading bytes DetectExtension looks at.
const SniffLen = 64

// DetectExtension picks a file extension for an uploaded clip from its
// leading bytes, falling back to the client filename and then ".wav".
func DetectExtension(head []byte, filename string) string {
	switch {
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return ".wav"
	case bytes.HasPrefix(head, []byte("ID3")):
		return ".mp3"
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return ".mp3"
	case bytes.HasPrefix(head, []byte("OggS")):
		return ".ogg"
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return ".webm"
	case len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp")):
		return ".m4a"
	case bytes.HasPrefix(head, []byte("fLaC")):
		return ".flac"
	}

	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".wav", ".mp3", ".ogg", ".webm", ".m4a", ".flac":
		return ext
	}
	return ".wav"
}

// Silence returns d worth of zeroed PCM16LE mono samples.
func Silence(d time.Duration, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	n := int(d.Seconds() * float64(sampleRate))
	if n < 0 {
		n = 0
	}
	return make([]byte, n*2)
}
