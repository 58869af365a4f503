package stream

import (
	"fmt"
	"strings"

	"github.com/arzzra/callcore/pkg/encryption"
)

// Kind вид медиа потока
type Kind string

const (
	KindAudio         Kind = "audio"
	KindVideo         Kind = "video"
	KindChat          Kind = "chat"
	KindScreenSharing Kind = "screen-sharing"
	KindFileTransfer  Kind = "file-transfer"
)

// Kinds все виды потоков в порядке отображения по умолчанию
var Kinds = []Kind{KindAudio, KindVideo, KindChat, KindScreenSharing, KindFileTransfer}

// ParseKind разбирает имя вида потока
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "screen-share", "screensharing", "screen_sharing":
		return KindScreenSharing, nil
	case "file", "file_transfer", "filetransfer":
		return KindFileTransfer, nil
	case "msrp", "message":
		return KindChat, nil
	}
	for _, k := range Kinds {
		if string(k) == n {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown stream kind %q", name)
}

// Valid известен ли вид потока
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsRTP потоки с RTP медиа; только к ним применяется удержание
func (k Kind) IsRTP() bool {
	return k == KindAudio || k == KindVideo
}

// Title имя вида для строк статуса
func (k Kind) Title() string {
	switch k {
	case KindAudio:
		return "Audio"
	case KindVideo:
		return "Video"
	case KindChat:
		return "Chat"
	case KindScreenSharing:
		return "Screen sharing"
	case KindFileTransfer:
		return "File transfer"
	default:
		return string(k)
	}
}

func (k Kind) String() string {
	return string(k)
}

// DefaultCapabilities методы шифрования, которые поток вида может согласовать
func DefaultCapabilities(k Kind) []encryption.Method {
	switch k {
	case KindAudio, KindVideo:
		return []encryption.Method{encryption.MethodSRTP, encryption.MethodZRTP}
	case KindChat:
		return []encryption.Method{encryption.MethodTLS, encryption.MethodOTR}
	case KindScreenSharing, KindFileTransfer:
		return []encryption.Method{encryption.MethodTLS}
	default:
		return nil
	}
}
