package callerr

// ReasonCode стабильный машинный код причины завершения сессии.
// Не зависит от языка интерфейса.
type ReasonCode string

const (
	ReasonNone         ReasonCode = ""
	ReasonLocalHangup  ReasonCode = "local_hangup"
	ReasonRemoteHangup ReasonCode = "remote_hangup"
	ReasonCancelled    ReasonCode = "cancelled"
	ReasonNotFound     ReasonCode = "not_found"
	ReasonDNSFailure   ReasonCode = "dns_failure"
	ReasonICEFailure   ReasonCode = "ice_failure"
	ReasonTimeout      ReasonCode = "timeout"
	ReasonRejected     ReasonCode = "rejected"
	ReasonBusy         ReasonCode = "busy"
	ReasonEngineError  ReasonCode = "engine_error"
	ReasonTransferred  ReasonCode = "transferred"
	ReasonUnknown      ReasonCode = "unknown"
)

// Reason причина завершения или отказа: код плюс человекочитаемый текст
type Reason struct {
	Code ReasonCode `json:"code" yaml:"code"`
	Text string     `json:"text" yaml:"text"`
}

// IsZero проверяет, задана ли причина
func (r Reason) IsZero() bool {
	return r.Code == ReasonNone && r.Text == ""
}

var defaultReasonText = map[ReasonCode]string{
	ReasonLocalHangup:  "Call ended",
	ReasonRemoteHangup: "Call ended by remote",
	ReasonCancelled:    "Call cancelled",
	ReasonNotFound:     "Destination not found",
	ReasonDNSFailure:   "DNS lookup failed",
	ReasonICEFailure:   "ICE negotiation failed",
	ReasonTimeout:      "Call timed out",
	ReasonRejected:     "Call rejected",
	ReasonBusy:         "Busy here",
	ReasonEngineError:  "Call failed",
	ReasonTransferred:  "Call transferred",
	ReasonUnknown:      "Call failed",
}

// NewReason создаёт причину со стандартным текстом для кода
func NewReason(code ReasonCode) Reason {
	return Reason{Code: code, Text: defaultReasonText[code]}
}

// WithDefaultText подставляет стандартный текст, если он пуст
func (r Reason) WithDefaultText() Reason {
	if r.Text == "" {
		r.Text = defaultReasonText[r.Code]
	}
	return r
}
