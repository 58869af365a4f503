package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/coordinator"
	"github.com/arzzra/callcore/pkg/engine/loopback"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/session"
)

// Failure шаг, результат которого не совпал с ожидаемым
type Failure struct {
	Step   int
	Action string
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("step %d (%s): %v", f.Step, f.Action, f.Err)
}

// Result итог проигрывания
type Result struct {
	Name     string
	Steps    int
	Failures []Failure
}

// OK все шаги прошли
func (r Result) OK() bool {
	return len(r.Failures) == 0
}

// Runner проигрывает сценарии на одном координаторе
type Runner struct {
	coord  *coordinator.Coordinator
	engine *loopback.Engine
	logger logging.StructuredLogger

	sessions map[string]string
	streams  map[string]string
	groups   map[string]string
}

// NewRunner создаёт раннер. Движок должен быть тем же, что передан
// координатору, и отправлять события в него.
func NewRunner(coord *coordinator.Coordinator, engine *loopback.Engine, logger logging.StructuredLogger) *Runner {
	return &Runner{
		coord:    coord,
		engine:   engine,
		logger:   logging.OrDefault(logger).WithComponent("scenario"),
		sessions: make(map[string]string),
		streams:  make(map[string]string),
		groups:   make(map[string]string),
	}
}

// Run выполняет шаги по порядку. Несовпадения собираются в Result,
// ошибка возвращается только при отмене контекста.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (Result, error) {
	res := Result{Name: sc.Name}
	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Steps++

		err := r.step(ctx, st)
		if err = r.check(st, err); err != nil {
			f := Failure{Step: i + 1, Action: st.Action, Err: err}
			r.logger.Warn(ctx, "scenario step failed",
				logging.Int("step", f.Step),
				logging.String("action", st.Action),
				logging.Err(err),
			)
			res.Failures = append(res.Failures, f)
			continue
		}
		r.logger.Debug(ctx, "scenario step done",
			logging.Int("step", i+1),
			logging.String("action", st.Action),
		)
	}
	return res, nil
}

// SessionID идентификатор сессии по имени из сценария
func (r *Runner) SessionID(name string) string {
	return resolve(r.sessions, name)
}

// GroupID идентификатор группы по имени из сценария
func (r *Runner) GroupID(name string) string {
	return resolve(r.groups, name)
}

// check сверяет ошибку шага с полем error
func (r *Runner) check(st Step, err error) error {
	if st.Error == "" {
		return err
	}
	if err == nil {
		return fmt.Errorf("expected error %s, got none", st.Error)
	}
	if code := callerr.Code(err); code != st.Error {
		return fmt.Errorf("expected error %s, got %s: %w", st.Error, code, err)
	}
	return nil
}

func (r *Runner) step(ctx context.Context, st Step) error {
	id := r.SessionID(st.Session)

	switch st.Action {
	case ActionBegin:
		kinds, err := parseKinds(st.Kinds)
		if err != nil {
			return err
		}
		sid, err := r.coord.BeginSession(ctx, st.URI, st.Display, kinds...)
		r.remember(r.sessions, st.As, sid)
		return err

	case ActionIncoming:
		kinds, err := parseKinds(st.Kinds)
		if err != nil {
			return err
		}
		specs := make([]session.StreamSpec, 0, len(kinds))
		for _, k := range kinds {
			specs = append(specs, session.StreamSpec{Kind: k})
		}
		sid, err := r.coord.AcceptIncoming(ctx, coordinator.IncomingSession{
			RemoteURI:   st.URI,
			DisplayName: st.Display,
			Streams:     specs,
		})
		r.remember(r.sessions, st.As, sid)
		return err

	case ActionAddStream:
		kinds, err := parseKinds([]string{st.Kind})
		if err != nil {
			return err
		}
		var opts []session.StreamOption
		if st.Plain {
			opts = append(opts, session.WithPlain())
		}
		if st.TotalBytes > 0 {
			opts = append(opts, session.WithTotalBytes(st.TotalBytes))
		}
		streamID, err := r.coord.AddStream(ctx, id, kinds[0], opts...)
		r.remember(r.streams, st.As, streamID)
		return err

	case ActionRemoveStream:
		return r.coord.RemoveStream(ctx, id, resolve(r.streams, st.Stream))
	case ActionHold:
		return r.coord.SetHold(ctx, id, true)
	case ActionUnhold:
		return r.coord.SetHold(ctx, id, false)
	case ActionTransfer:
		return r.coord.RequestTransfer(ctx, id, st.Target)
	case ActionDTMF:
		return r.coord.SendDTMF(ctx, id, st.Digits)
	case ActionRecord:
		_, err := r.coord.StartRecording(ctx, id)
		return err
	case ActionStopRecord:
		return r.coord.StopRecording(ctx, id)
	case ActionHangup:
		return r.coord.Hangup(ctx, id)
	case ActionDelete:
		return r.coord.Delete(ctx, id)

	case ActionHangupAll:
		var errs []error
		for _, o := range r.coord.HangupAll(ctx) {
			if o.Err != nil {
				errs = append(errs, o.Err)
			}
		}
		return errors.Join(errs...)

	case ActionMerge:
		ids := make([]string, 0, len(st.Sessions))
		for _, name := range st.Sessions {
			ids = append(ids, r.SessionID(name))
		}
		gid, err := r.coord.MergeConference(ctx, ids)
		r.remember(r.groups, st.As, gid)
		return err

	case ActionSplit:
		outcomes, err := r.coord.SplitConference(ctx, r.GroupID(st.Group))
		if err != nil {
			return err
		}
		var errs []error
		for _, o := range outcomes {
			if o.Err != nil {
				errs = append(errs, o.Err)
			}
		}
		return errors.Join(errs...)

	case ActionEvent:
		ref, err := r.streamRef(st)
		if err != nil {
			return err
		}
		ev, err := buildEvent(st.Event, ref, st.With)
		if err != nil {
			return err
		}
		r.engine.Emit(ctx, id, ev)
		return nil

	case ActionExpect:
		snap, err := r.coord.Snapshot(ctx, id)
		if err != nil {
			return err
		}
		return st.Want.match(snap)

	case ActionFail:
		var cause error
		if st.Err != "" {
			cause = errors.New(st.Err)
		}
		if st.Session != "" {
			r.engine.FailOnSession(id, st.Op, cause)
		} else {
			r.engine.FailOn(st.Op, cause)
		}
		return nil
	}
	return fmt.Errorf("unknown action %q", st.Action)
}

func (r *Runner) streamRef(st Step) (session.StreamRef, error) {
	ref := session.StreamRef{StreamID: resolve(r.streams, st.Stream)}
	if st.Kind != "" {
		kinds, err := parseKinds([]string{st.Kind})
		if err != nil {
			return ref, err
		}
		ref.Kind = kinds[0]
	}
	if st.As != "" && ref.StreamID != "" {
		r.remember(r.streams, st.As, ref.StreamID)
	}
	return ref, nil
}

func (r *Runner) remember(names map[string]string, name, id string) {
	if name != "" && id != "" {
		names[name] = id
	}
}

// resolve имя из сценария или сам идентификатор, если имя не задано шагом as
func resolve(names map[string]string, name string) string {
	if id, ok := names[name]; ok {
		return id
	}
	return name
}

func (w Expectation) match(snap session.Snapshot) error {
	var diffs []string
	if w.State != "" && string(snap.State) != w.State {
		diffs = append(diffs, fmt.Sprintf("state %s, want %s", snap.State, w.State))
	}
	if w.Code != "" && string(snap.Status.Code) != w.Code {
		diffs = append(diffs, fmt.Sprintf("status code %s, want %s", snap.Status.Code, w.Code))
	}
	if w.Status != "" && snap.Status.Text != w.Status {
		diffs = append(diffs, fmt.Sprintf("status %q, want %q", snap.Status.Text, w.Status))
	}
	if w.LocalHold != nil && snap.LocalHold != *w.LocalHold {
		diffs = append(diffs, fmt.Sprintf("local_hold %t, want %t", snap.LocalHold, *w.LocalHold))
	}
	if w.Conference != nil && (snap.Conference != "") != *w.Conference {
		diffs = append(diffs, fmt.Sprintf("conference %q, want membership %t", snap.Conference, *w.Conference))
	}
	if w.Streams != nil && len(snap.Streams) != *w.Streams {
		diffs = append(diffs, fmt.Sprintf("%d streams, want %d", len(snap.Streams), *w.Streams))
	}
	if w.EndReason != "" && string(snap.EndReason.Code) != w.EndReason {
		diffs = append(diffs, fmt.Sprintf("end reason %s, want %s", snap.EndReason.Code, w.EndReason))
	}
	if w.Transfer != "" && string(snap.Transfer.State) != w.Transfer {
		diffs = append(diffs, fmt.Sprintf("transfer %s, want %s", snap.Transfer.State, w.Transfer))
	}
	if w.Recording != nil && snap.Recording != *w.Recording {
		diffs = append(diffs, fmt.Sprintf("recording %t, want %t", snap.Recording, *w.Recording))
	}
	if len(diffs) > 0 {
		return errors.New(strings.Join(diffs, "; "))
	}
	return nil
}
