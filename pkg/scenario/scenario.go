// Package scenario описывает сценарии вызовов в YAML и проигрывает их
// на координаторе с движком loopback.
//
// Сценарий это список шагов. Шаг-команда обращается к координатору
// (begin, hold, merge, ...), шаг event присылает событие движка, шаг
// expect сверяет состояние сессии. Сессии, потоки и группы адресуются
// именами, которые шаги задают через поле as.
package scenario

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/callcore/pkg/callerr"
)

// Действия шагов
const (
	ActionBegin        = "begin"
	ActionIncoming     = "incoming"
	ActionAddStream    = "add_stream"
	ActionRemoveStream = "remove_stream"
	ActionHold         = "hold"
	ActionUnhold       = "unhold"
	ActionTransfer     = "transfer"
	ActionDTMF         = "dtmf"
	ActionRecord       = "record"
	ActionStopRecord   = "stop_record"
	ActionHangup       = "hangup"
	ActionHangupAll    = "hangup_all"
	ActionMerge        = "merge"
	ActionSplit        = "split"
	ActionDelete       = "delete"
	ActionEvent        = "event"
	ActionExpect       = "expect"
	ActionFail         = "fail"
)

// Scenario сценарий целиком
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step один шаг сценария
type Step struct {
	Action string `yaml:"action"`

	// Session имя сессии (или её идентификатор)
	Session string `yaml:"session"`
	// As имя, под которым запомнить созданную сессию, поток или группу
	As string `yaml:"as"`

	URI     string   `yaml:"uri"`
	Display string   `yaml:"display"`
	Kinds   []string `yaml:"kinds"`

	Kind       string `yaml:"kind"`
	Stream     string `yaml:"stream"`
	Plain      bool   `yaml:"plain"`
	TotalBytes int64  `yaml:"total_bytes"`

	Target   string   `yaml:"target"`
	Sessions []string `yaml:"sessions"`
	Group    string   `yaml:"group"`
	Digits   string   `yaml:"digits"`

	Event string       `yaml:"event"`
	With  EventFields  `yaml:"with"`
	Want  *Expectation `yaml:"want"`

	// Error код ошибки, которым шаг должен завершиться
	Error string `yaml:"error"`

	// Op и Err для шага fail: настроить отказ движка
	Op  string `yaml:"op"`
	Err string `yaml:"err"`
}

// EventFields поля события движка
type EventFields struct {
	State  string `yaml:"state"`
	Reason string `yaml:"reason"`
	Text   string `yaml:"text"`

	Codec string `yaml:"codec"`
	SDP   string `yaml:"sdp"`

	Method      string `yaml:"method"`
	Cipher      string `yaml:"cipher"`
	SRTPProfile string `yaml:"srtp_profile"`
	Fingerprint string `yaml:"fingerprint"`
	Peer        string `yaml:"peer"`
	Verified    bool   `yaml:"verified"`

	Party string `yaml:"party"`
	Hold  bool   `yaml:"hold"`

	Phase       string `yaml:"phase"`
	Transferred int64  `yaml:"transferred"`
	Total       int64  `yaml:"total"`

	Target  string `yaml:"target"`
	Success bool   `yaml:"success"`

	// статистика RTP, задержки в миллисекундах
	RTTMs       int64 `yaml:"rtt_ms"`
	JitterMs    int64 `yaml:"jitter_ms"`
	RxPackets   int64 `yaml:"rx_packets"`
	RxLost      int64 `yaml:"rx_lost"`
	RxDiscarded int64 `yaml:"rx_discarded"`
	RxBytes     int64 `yaml:"rx_bytes"`
	TxBytes     int64 `yaml:"tx_bytes"`

	Recording bool   `yaml:"recording"`
	Path      string `yaml:"path"`
}

// Expectation ожидаемое состояние сессии; пустые поля не проверяются
type Expectation struct {
	State      string `yaml:"state"`
	Code       string `yaml:"code"`
	Status     string `yaml:"status"`
	LocalHold  *bool  `yaml:"local_hold"`
	Conference *bool  `yaml:"conference"`
	Streams    *int   `yaml:"streams"`
	EndReason  string `yaml:"end_reason"`
	Transfer   string `yaml:"transfer"`
	Recording  *bool  `yaml:"recording"`
}

// Parse читает сценарий из YAML
func Parse(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, callerr.InvalidArgument("scenario", err.Error()).WithCause(err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load читает сценарий из файла
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Validate проверяет, что каждый шаг известен и заполнен
func (sc *Scenario) Validate() error {
	if len(sc.Steps) == 0 {
		return callerr.InvalidArgument("steps", "scenario has no steps")
	}
	for i, st := range sc.Steps {
		if err := st.validate(); err != nil {
			return callerr.InvalidArgument(fmt.Sprintf("steps[%d]", i), err.Error())
		}
	}
	return nil
}

func (st Step) validate() error {
	needSession := func() error {
		if st.Session == "" {
			return fmt.Errorf("%s requires session", st.Action)
		}
		return nil
	}

	switch st.Action {
	case ActionBegin:
		if st.URI == "" {
			return fmt.Errorf("begin requires uri")
		}
	case ActionIncoming:
		if st.As == "" || st.URI == "" {
			return fmt.Errorf("incoming requires as and uri")
		}
	case ActionAddStream:
		if st.Kind == "" {
			return fmt.Errorf("add_stream requires kind")
		}
		return needSession()
	case ActionRemoveStream:
		if st.Stream == "" {
			return fmt.Errorf("remove_stream requires stream")
		}
		return needSession()
	case ActionTransfer:
		if st.Target == "" {
			return fmt.Errorf("transfer requires target")
		}
		return needSession()
	case ActionDTMF:
		if st.Digits == "" {
			return fmt.Errorf("dtmf requires digits")
		}
		return needSession()
	case ActionHold, ActionUnhold, ActionHangup, ActionDelete, ActionRecord, ActionStopRecord:
		return needSession()
	case ActionHangupAll:
	case ActionMerge:
		if len(st.Sessions) < 2 {
			return fmt.Errorf("merge requires at least two sessions")
		}
	case ActionSplit:
		if st.Group == "" {
			return fmt.Errorf("split requires group")
		}
	case ActionEvent:
		if st.Event == "" {
			return fmt.Errorf("event requires event name")
		}
		if st.Error != "" {
			return fmt.Errorf("event steps are asynchronous and cannot expect an error")
		}
		return needSession()
	case ActionExpect:
		if st.Want == nil {
			return fmt.Errorf("expect requires want")
		}
		return needSession()
	case ActionFail:
		if st.Op == "" {
			return fmt.Errorf("fail requires op")
		}
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}
