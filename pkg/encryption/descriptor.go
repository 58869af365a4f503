package encryption

import (
	"fmt"
	"strings"

	"github.com/pion/dtls/v2"
)

// Method метод шифрования потока
type Method string

const (
	MethodNone Method = "none"
	MethodTLS  Method = "TLS"
	MethodSRTP Method = "SRTP" // SRTP с ключами из SDES или DTLS
	MethodZRTP Method = "ZRTP"
	MethodOTR  Method = "OTR"
)

// ParseMethod разбирает имя метода без учёта регистра
func ParseMethod(name string) (Method, error) {
	for _, m := range []Method{MethodNone, MethodTLS, MethodSRTP, MethodZRTP, MethodOTR} {
		if strings.EqualFold(string(m), name) {
			return m, nil
		}
	}
	if strings.EqualFold(name, "SRTP-SDES") || strings.EqualFold(name, "sdes") {
		return MethodSRTP, nil
	}
	return MethodNone, fmt.Errorf("unknown encryption method %q", name)
}

// Verifiable поддерживает ли метод подтверждение собеседника
func (m Method) Verifiable() bool {
	return m == MethodZRTP || m == MethodOTR
}

func (m Method) String() string {
	return string(m)
}

// Descriptor нормализованное состояние шифрования потока.
// Отсутствие дескриптора означает, что поток не зашифрован.
type Descriptor struct {
	Method          Method `json:"method"`
	Cipher          string `json:"cipher,omitempty"`
	Verified        bool   `json:"verified"`
	PeerFingerprint string `json:"peer_fingerprint,omitempty"`
	PeerName        string `json:"peer_name,omitempty"`
}

// Clone возвращает копию дескриптора
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Equal сравнивает дескрипторы с учётом nil
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d == nil || other == nil {
		return d == nil && other == nil
	}
	return *d == *other
}

// CipherFromSRTPProfile переводит профиль DTLS-SRTP в имя шифра
// в форме, которую показывает интерфейс.
func CipherFromSRTPProfile(profile dtls.SRTPProtectionProfile) string {
	switch profile {
	case dtls.SRTP_AES128_CM_HMAC_SHA1_80:
		return "AES_CM_128_HMAC_SHA1_80"
	case dtls.SRTP_AES128_CM_HMAC_SHA1_32:
		return "AES_CM_128_HMAC_SHA1_32"
	case dtls.SRTP_AEAD_AES_128_GCM:
		return "AEAD_AES_128_GCM"
	case dtls.SRTP_AEAD_AES_256_GCM:
		return "AEAD_AES_256_GCM"
	default:
		return fmt.Sprintf("SRTP_PROFILE_0x%04x", uint16(profile))
	}
}

var srtpProfiles = []dtls.SRTPProtectionProfile{
	dtls.SRTP_AES128_CM_HMAC_SHA1_80,
	dtls.SRTP_AES128_CM_HMAC_SHA1_32,
	dtls.SRTP_AEAD_AES_128_GCM,
	dtls.SRTP_AEAD_AES_256_GCM,
}

// ParseSRTPProfile разбирает профиль DTLS-SRTP по имени шифра,
// с префиксом SRTP_ или без него
func ParseSRTPProfile(name string) (dtls.SRTPProtectionProfile, error) {
	n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SRTP_")
	for _, p := range srtpProfiles {
		if n == CipherFromSRTPProfile(p) {
			return p, nil
		}
	}
	switch n {
	case "AES128_CM_HMAC_SHA1_80":
		return dtls.SRTP_AES128_CM_HMAC_SHA1_80, nil
	case "AES128_CM_HMAC_SHA1_32":
		return dtls.SRTP_AES128_CM_HMAC_SHA1_32, nil
	}
	return 0, fmt.Errorf("unknown SRTP profile %q", name)
}
