package invite

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/sip"
)

// Refresher is the party responsible for session refreshes, RFC 4028.
type Refresher string

const (
	RefresherAuto Refresher = ""
	RefresherUAC  Refresher = "uac"
	RefresherUAS  Refresher = "uas"
)

// RFC 4028 defaults.
const (
	DefaultSessionExpires = 1800 * time.Second
	DefaultMinSE          = 90 * time.Second
)

// SessionTimerOptions configures RFC 4028 session timers.
type SessionTimerOptions struct {
	// Enabled turns on the session timers. A peer that asks for them is served even when disabled.
	Enabled bool
	// Expires is the requested session interval. Zero means [DefaultSessionExpires].
	Expires time.Duration
	// MinSE is the minimal acceptable session interval. Zero means [DefaultMinSE].
	MinSE time.Duration
	// Refresher is the preferred refresher.
	Refresher Refresher
	// UseUpdate makes the refresher send UPDATE instead of re-INVITE.
	UseUpdate bool
}

func (o *SessionTimerOptions) enabled() bool { return o != nil && o.Enabled }

func (o *SessionTimerOptions) expires() time.Duration {
	if o == nil || o.Expires == 0 {
		return DefaultSessionExpires
	}
	return max(o.Expires, o.minSE())
}

func (o *SessionTimerOptions) minSE() time.Duration {
	if o == nil || o.MinSE == 0 {
		return DefaultMinSE
	}
	return o.MinSE
}

func (o *SessionTimerOptions) refresher() Refresher {
	if o == nil {
		return RefresherAuto
	}
	return o.Refresher
}

func (o *SessionTimerOptions) useUpdate() bool { return o != nil && o.UseUpdate }

const timerOptionTag = "timer"

// sessionExpires is a parsed Session-Expires header.
type sessionExpires struct {
	interval  time.Duration
	refresher Refresher
}

func (se sessionExpires) String() string {
	s := strconv.Itoa(int(se.interval / time.Second))
	if se.refresher != RefresherAuto {
		s += ";refresher=" + string(se.refresher)
	}
	return s
}

func parseSessionExpires(hdrs *sip.Headers) (sessionExpires, bool) {
	v, ok := hdrs.Get(sip.HeaderSessionExpires)
	if !ok {
		// compact form
		if v, ok = hdrs.Get("x"); !ok {
			return sessionExpires{}, false
		}
	}
	parts := strings.Split(v, ";")
	secs, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || secs <= 0 {
		return sessionExpires{}, false
	}
	se := sessionExpires{interval: time.Duration(secs) * time.Second}
	for _, p := range parts[1:] {
		name, val, _ := strings.Cut(strings.TrimSpace(p), "=")
		if util.EqFold(name, "refresher") {
			se.refresher = Refresher(util.LCase(strings.TrimSpace(val)))
		}
	}
	return se, true
}

func parseMinSE(hdrs *sip.Headers) (time.Duration, bool) {
	v, ok := hdrs.Get(sip.HeaderMinSE)
	if !ok {
		return 0, false
	}
	v, _, _ = strings.Cut(v, ";")
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func formatSeconds(d time.Duration) string { return strconv.Itoa(int(d / time.Second)) }

// sessionTimer runs the refresh or the expiration timer of a confirmed session.
type sessionTimer struct {
	opts *SessionTimerOptions
	// interval and refresher are the negotiated values, a zero interval means timers are not in use.
	interval  time.Duration
	refresher Refresher
	// local is the role of the session in the transaction that negotiated the values.
	local Refresher
	// minSE is the largest Min-SE seen in the session.
	minSE time.Duration
	tmr   atomic.Pointer[timeutil.Timer]
}

func newSessionTimer(opts *SessionTimerOptions) *sessionTimer {
	return &sessionTimer{opts: opts, minSE: opts.minSE()}
}

func (st *sessionTimer) active() bool { return st.interval > 0 }

// isRefresher reports whether the local party refreshes the session.
func (st *sessionTimer) isRefresher() bool { return st.active() && st.refresher == st.local }

// addRequestHeaders adds the session timer headers to an INVITE or UPDATE sent by the session.
func (st *sessionTimer) addRequestHeaders(req *sip.Request) {
	if !st.opts.enabled() && !st.active() {
		return
	}
	req.Headers.Add(sip.HeaderSupported, timerOptionTag)

	se := sessionExpires{interval: st.interval, refresher: st.refresher}
	if !st.active() {
		se = sessionExpires{interval: max(st.opts.expires(), st.minSE), refresher: st.opts.refresher()}
	} else if st.isRefresher() {
		// the refresher role stays with the local party, which is the UAC of the refresh
		se.refresher = RefresherUAC
	} else {
		se.refresher = RefresherUAS
	}
	req.Headers.Set(sip.HeaderSessionExpires, se.String())
	req.Headers.Set(sip.HeaderMinSE, formatSeconds(st.minSE))
}

// checkRequest validates the session interval requested by the peer, RFC 4028 8.1.
// A too small interval is reported as a 422 status error.
func (st *sessionTimer) checkRequest(req *sip.Request) error {
	se, ok := parseSessionExpires(&req.Headers)
	if !ok {
		return nil
	}
	if se.interval < st.opts.minSE() {
		return &sip.StatusError{
			Status: sip.ResponseStatusSessionIntervalTooSmall,
			Err:    fmt.Errorf("session interval %v is below %v", se.interval, st.opts.minSE()),
		}
	}
	return nil
}

// answerRequest chooses the session interval and refresher for the response to a request, RFC 4028 9.
// The headers are added to the 2xx response, timers are off when neither party asks for them.
func (st *sessionTimer) answerRequest(req *sip.Request, res *sip.Response) {
	se, ok := parseSessionExpires(&req.Headers)
	peerSupports := req.Headers.HasValue(sip.HeaderSupported, timerOptionTag)
	switch {
	case ok:
	case st.opts.enabled() || st.active():
		se = sessionExpires{interval: st.opts.expires()}
		if st.active() {
			se.interval = st.interval
		}
	default:
		st.interval = 0
		return
	}
	if minSE, ok := parseMinSE(&req.Headers); ok && minSE > st.minSE {
		st.minSE = minSE
	}
	se.interval = max(se.interval, st.minSE)

	if se.refresher == RefresherAuto {
		switch {
		case !peerSupports:
			se.refresher = RefresherUAS
		case st.opts.refresher() != RefresherAuto:
			se.refresher = st.opts.refresher()
		default:
			se.refresher = RefresherUAC
		}
	}
	st.interval, st.refresher, st.local = se.interval, se.refresher, RefresherUAS

	res.Headers.Set(sip.HeaderSessionExpires, se.String())
	if peerSupports {
		res.Headers.Add(sip.HeaderRequire, timerOptionTag)
	}
}

// applyResponse takes the negotiated values from a 2xx response to a request sent by the session.
func (st *sessionTimer) applyResponse(res *sip.Response) {
	se, ok := parseSessionExpires(&res.Headers)
	if !ok {
		if !st.opts.enabled() {
			st.interval = 0
			return
		}
		// the peer does not support timers, the UAC refreshes alone, RFC 4028 7.4
		se = sessionExpires{interval: max(st.opts.expires(), st.minSE), refresher: RefresherUAC}
	}
	if se.refresher == RefresherAuto {
		se.refresher = RefresherUAC
	}
	st.interval, st.refresher, st.local = se.interval, se.refresher, RefresherUAC
}

// raiseMinSE applies the Min-SE of a 422 response and reports whether a retry makes sense.
func (st *sessionTimer) raiseMinSE(res *sip.Response) bool {
	minSE, ok := parseMinSE(&res.Headers)
	if !ok || minSE <= st.minSE {
		return false
	}
	st.minSE = minSE
	return true
}

// start arms the refresh timer when the local party is the refresher, the expiration timer otherwise.
func (st *sessionTimer) start(ctx context.Context, s *Session) {
	st.stop()
	if !st.active() {
		return
	}
	if st.isRefresher() {
		st.arm(ctx, s, st.interval/2, s.refreshSession)
	} else {
		st.arm(ctx, s, st.interval-min(32*time.Second, st.interval/3), s.sessionExpired)
	}
}

// expireAfterRefresh arms the expiration timer of the refresher for the rest of the interval.
// A 2xx to the refresh restarts the timers, a failed refresh lets the session expire, RFC 4028 10.
func (st *sessionTimer) expireAfterRefresh(ctx context.Context, s *Session) {
	if !st.active() {
		return
	}
	st.arm(ctx, s, st.interval-st.interval/2, s.sessionExpired)
}

func (st *sessionTimer) arm(ctx context.Context, s *Session, d time.Duration, fn func(ctx context.Context)) {
	var tmr *timeutil.Timer
	tmr = timeutil.AfterFunc(d, func() {
		ctx, unlock := s.lock(s.ctx)
		defer unlock()
		if !st.tmr.CompareAndSwap(tmr, nil) {
			return
		}
		fn(ctx)
	})
	if old := st.tmr.Swap(tmr); old != nil {
		old.Stop()
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "session timer started",
		slog.Any("session", s),
		slog.Duration("interval", st.interval),
		slog.String("refresher", string(st.refresher)),
		slog.Duration("fires_in", d),
	)
}

func (st *sessionTimer) stop() {
	if tmr := st.tmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}
}
