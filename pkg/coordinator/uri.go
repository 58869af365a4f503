package coordinator

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callcore/pkg/callerr"
)

var (
	domainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
	userRegex   = regexp.MustCompile(`^[a-zA-Z0-9\-_.!~*'()&=+$,;?/%]+$`)
)

// NormalizeURI приводит адрес собеседника к виду scheme:user@host[:port].
//
// Без схемы добавляется "sip:", адрес без домена дополняется
// defaultDomain. Параметры и заголовки URI отбрасываются.
func NormalizeURI(raw, defaultDomain string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", callerr.InvalidURI(raw, "empty address")
	}

	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		value = "sip:" + value
	}

	if !strings.Contains(value, "@") && defaultDomain != "" {
		value = value + "@" + defaultDomain
	}

	var uri sip.Uri
	if err := sip.ParseUri(value, &uri); err != nil {
		return "", callerr.InvalidURI(raw, err.Error()).WithCause(err)
	}
	if err := validateSIPURI(&uri); err != nil {
		return "", callerr.InvalidURI(raw, err.Error())
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(uri.Scheme))
	b.WriteByte(':')
	if uri.User != "" {
		b.WriteString(uri.User)
		b.WriteByte('@')
	}
	b.WriteString(strings.ToLower(uri.Host))
	if uri.Port > 0 {
		fmt.Fprintf(&b, ":%d", uri.Port)
	}
	return b.String(), nil
}

// validateSIPURI проверяет корректность SIP URI
func validateSIPURI(uri *sip.Uri) error {
	scheme := strings.ToLower(uri.Scheme)
	if scheme != "sip" && scheme != "sips" {
		return fmt.Errorf("неподдерживаемая схема URI: %s", uri.Scheme)
	}
	if uri.Host == "" {
		return fmt.Errorf("отсутствует хост в URI")
	}
	if !isValidHost(uri.Host) {
		return fmt.Errorf("некорректный хост: %s", uri.Host)
	}
	if uri.Port < 0 || uri.Port > 65535 {
		return fmt.Errorf("некорректный порт: %d", uri.Port)
	}
	if uri.User != "" && !userRegex.MatchString(uri.User) {
		return fmt.Errorf("некорректное имя пользователя: %s", uri.User)
	}
	return nil
}

// isValidHost доменное имя или IP адрес
func isValidHost(host string) bool {
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return true
	}
	return domainRegex.MatchString(host)
}

// sanitizeDisplayName очищает display name от управляющих символов и кавычек
func sanitizeDisplayName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 || r == '"' || r == '<' || r == '>' {
			return -1
		}
		return r
	}, name)

	name = strings.TrimSpace(name)
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}
