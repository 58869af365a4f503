package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const answerSDP = "v=0\r\n" +
	"o=- 3871 3871 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 101 0\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"m=message 2855 TCP/TLS/MSRP *\r\n"

func TestCodecInfoFromSDP(t *testing.T) {
	codec, err := CodecInfoFromSDP([]byte(answerSDP), KindAudio)
	require.NoError(t, err)
	assert.Equal(t, "PCMU 8kHz", codec, "telephone-event пропускается")

	codec, err = CodecInfoFromSDP([]byte(answerSDP), KindChat)
	require.NoError(t, err)
	assert.Equal(t, "TCP/TLS/MSRP", codec)

	// Видео отклонено портом 0
	_, err = CodecInfoFromSDP([]byte(answerSDP), KindVideo)
	assert.Error(t, err)
}

func TestCodecInfoStaticPayload(t *testing.T) {
	raw := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 8\r\n"

	codec, err := CodecInfoFromSDP([]byte(raw), KindAudio)
	require.NoError(t, err)
	assert.Equal(t, "PCMA 8kHz", codec)
}

func TestCodecInfoInvalidSDP(t *testing.T) {
	_, err := CodecInfoFromSDP([]byte("not sdp"), KindAudio)
	assert.Error(t, err)
}

func TestFormatCodec(t *testing.T) {
	assert.Equal(t, "opus 48kHz", FormatCodec("opus", 48000))
	assert.Equal(t, "G722 8kHz", FormatCodec("G722", 8000))
	assert.Equal(t, "G711", FormatCodec("G711", 0))
}
