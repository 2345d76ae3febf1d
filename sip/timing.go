package sip

import (
	"encoding/json"
	"time"

	"braces.dev/errtrace"
)

// Default values of the RFC 3261 base timers.
const (
	// T1 is the round-trip time estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait time for response retransmits over unreliable transports.
	TimeD = 32 * time.Second
	// Time100 is the delay before an automatic 100 Trying response to INVITE.
	Time100 = 200 * time.Millisecond
)

// TimingConfig holds the base SIP timer values. Timers A..M are derived from them.
// Zero fields fall back to [T1], [T2], [T4], [TimeD] and [Time100],
// so the zero value is the RFC 3261 default configuration.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a timing config with the given base values. Zero values mean defaults.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD, time100}
}

func (c TimingConfig) T1() time.Duration { return durOr(c.t1, T1) }

func (c TimingConfig) T2() time.Duration { return durOr(c.t2, T2) }

func (c TimingConfig) T4() time.Duration { return durOr(c.t4, T4) }

func (c TimingConfig) Time100() time.Duration { return durOr(c.time100, Time100) }

// TimeA is the initial INVITE retransmit interval.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB is the INVITE client transaction timeout.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the time the INVITE client transaction absorbs final response retransmits.
func (c TimingConfig) TimeD() time.Duration { return durOr(c.timeD, TimeD) }

// TimeE is the initial non-INVITE retransmit interval.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF is the non-INVITE client transaction timeout.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the initial INVITE final response retransmit interval.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH is the wait time for ACK receipt.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI is the time the INVITE server transaction absorbs ACK retransmits.
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ is the time the non-INVITE server transaction absorbs request retransmits.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK is the time the non-INVITE client transaction absorbs response retransmits.
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// Backoff returns the next retransmit interval after prev: doubled and capped at T2.
func (c TimingConfig) Backoff(prev time.Duration) time.Duration {
	return min(2*prev, c.T2())
}

func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0 && c.time100 == 0
}

func durOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// timingConfData is the configuration file form, durations are Go duration strings ("500ms").
type timingConfData struct {
	T1      string `json:"t1,omitempty"`
	T2      string `json:"t2,omitempty"`
	T4      string `json:"t4,omitempty"`
	TimeD   string `json:"time_d,omitempty"`
	Time100 string `json:"time_100,omitempty"`
}

func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{
		T1:      fmtDur(c.t1),
		T2:      fmtDur(c.t2),
		T4:      fmtDur(c.t4),
		TimeD:   fmtDur(c.timeD),
		Time100: fmtDur(c.time100),
	}))
}

func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}

	var cfg TimingConfig
	for _, f := range []struct {
		dst *time.Duration
		src string
	}{
		{&cfg.t1, d.T1},
		{&cfg.t2, d.T2},
		{&cfg.t4, d.T4},
		{&cfg.timeD, d.TimeD},
		{&cfg.time100, d.Time100},
	} {
		if f.src == "" {
			continue
		}
		v, err := time.ParseDuration(f.src)
		if err != nil {
			return errtrace.Wrap(NewInvalidArgumentError(err))
		}
		*f.dst = v
	}
	*c = cfg
	return nil
}

func fmtDur(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}
