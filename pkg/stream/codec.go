package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// FormatCodec строка кодека для интерфейса: "PCMU 8kHz"
func FormatCodec(name string, clockRate int) string {
	if clockRate <= 0 {
		return name
	}
	return fmt.Sprintf("%s %dkHz", name, clockRate/1000)
}

// staticPayloads статические payload types RFC 3551
var staticPayloads = map[int]struct {
	name string
	rate int
}{
	0:  {"PCMU", 8000},
	3:  {"GSM", 8000},
	4:  {"G723", 8000},
	8:  {"PCMA", 8000},
	9:  {"G722", 8000},
	18: {"G729", 8000},
	26: {"JPEG", 90000},
	31: {"H261", 90000},
	34: {"H263", 90000},
}

func mediaNameFor(k Kind) string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo, KindScreenSharing:
		return "video"
	default:
		return "message"
	}
}

// CodecInfoFromSDP извлекает описание кодека потока из согласованного SDP.
// Для RTP берётся первый формат медиа-секции, для MSRP протокол.
func CodecInfoFromSDP(raw []byte, kind Kind) (string, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return "", fmt.Errorf("failed to parse sdp: %w", err)
	}

	want := mediaNameFor(kind)
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != want || md.MediaName.Port.Value == 0 {
			continue
		}
		if want == "message" {
			return strings.ToUpper(strings.Join(md.MediaName.Protos, "/")), nil
		}
		return codecFromMedia(md)
	}
	return "", fmt.Errorf("no active %s media in sdp", want)
}

func codecFromMedia(md *sdp.MediaDescription) (string, error) {
	// rtpmap атрибуты: "<pt> <name>/<rate>[/<channels>]"
	rtpmapAttrs := make(map[string]string)
	for _, attr := range md.Attributes {
		if attr.Key == "rtpmap" {
			parts := strings.SplitN(attr.Value, " ", 2)
			if len(parts) == 2 {
				rtpmapAttrs[parts[0]] = parts[1]
			}
		}
	}

	for _, format := range md.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil {
			continue
		}
		if rtpmap, ok := rtpmapAttrs[format]; ok {
			parts := strings.Split(rtpmap, "/")
			if strings.EqualFold(parts[0], "telephone-event") {
				continue
			}
			rate := 0
			if len(parts) > 1 {
				rate, _ = strconv.Atoi(parts[1])
			}
			return FormatCodec(parts[0], rate), nil
		}
		if static, ok := staticPayloads[pt]; ok {
			return FormatCodec(static.name, static.rate), nil
		}
	}
	return "", fmt.Errorf("no known codec among formats %v", md.MediaName.Formats)
}
