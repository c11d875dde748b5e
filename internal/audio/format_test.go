package audio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectExtension(t *testing.T) {
	wav, err := EncodeWAVPCM16LE(Silence(10*time.Millisecond, 16000), 16000)
	require.NoError(t, err)

	cases := []struct {
		name     string
		head     []byte
		filename string
		want     string
	}{
		{"wav header", wav, "audio.webm", ".wav"},
		{"id3 tag", []byte("ID3\x04\x00"), "", ".mp3"},
		{"mpeg frame", []byte{0xFF, 0xFB, 0x90, 0x00}, "", ".mp3"},
		{"ogg", []byte("OggS\x00\x02"), "", ".ogg"},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F}, "audio.wav", ".webm"},
		{"mp4 audio", []byte("\x00\x00\x00\x20ftypM4A "), "", ".m4a"},
		{"unknown bytes, known name", []byte("????"), "clip.MP3", ".mp3"},
		{"unknown everything", []byte("????"), "clip.bin", ".wav"},
		{"empty", nil, "", ".wav"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectExtension(tc.head, tc.filename))
		})
	}
}

func TestWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silence.wav")
	pcm := Silence(250*time.Millisecond, 16000)
	require.Len(t, pcm, 8000)
	require.NoError(t, WriteWAVPCM16LEFile(path, pcm, 16000))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, 44+len(pcm))
	assert.Equal(t, ".wav", DetectExtension(data[:SniffLen], ""))
}
