package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	require.NoError(t, err)

	got, sr, err := DecodeWAVPCM16(wav)
	require.NoError(t, err)
	assert.Equal(t, 16000, sr)
	assert.Equal(t, pcm, got)
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// (1000, -1000) averages to 0, (3000, 1000) to 2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, newWAVHeader(len(stereo), 24000, 2)))
	buf.Write(stereo)

	got, sr, err := DecodeWAVPCM16(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 24000, sr)
	require.Len(t, got, 4)
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(got[0:2])))
	assert.Equal(t, int16(2000), int16(binary.LittleEndian.Uint16(got[2:4])))
}

func TestDecodeWAVPCM16SkipsUnknownChunks(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0x02, 0x00}
	wav, err := EncodeWAVPCM16LE(pcm, 8000)
	require.NoError(t, err)

	// splice an odd-sized LIST chunk (plus pad byte) between fmt and data
	list := append([]byte("LIST\x03\x00\x00\x00abc"), 0)
	spliced := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	got, sr, err := DecodeWAVPCM16(spliced)
	require.NoError(t, err)
	assert.Equal(t, 8000, sr)
	assert.Equal(t, pcm, got)
}

func TestDecodeWAVPCM16Rejects(t *testing.T) {
	cases := map[string][]byte{
		"too short":   []byte("RIFF"),
		"not riff":    []byte("OggS\x00\x00\x00\x00WAVE"),
		"no data":     []byte("RIFF\x04\x00\x00\x00WAVE"),
		"overrun":     []byte("RIFF\x00\x00\x00\x00WAVEdata\xff\x00\x00\x00"),
		"non pcm fmt": append(append([]byte("RIFF\x00\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x03\x00\x01\x00"), make([]byte, 12)...), []byte("data\x00\x00\x00\x00")...),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeWAVPCM16(data)
			require.ErrorIs(t, err, ErrInvalidWAV)
		})
	}
}

func TestPCM16Duration(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, PCM16Duration(Silence(500*time.Millisecond, 16000), 16000))
	assert.Equal(t, time.Duration(0), PCM16Duration([]byte{0, 0}, 0))
}
