package sip

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StatsRecorderModuleName is the name of the [StatsRecorder] module.
const StatsRecorderModuleName = "mod-stats"

type StatsReport struct {
	Time         time.Time        `json:"time"`
	Transports   []TransportStats `json:"transports"`
	Transactions TransactionStats `json:"transactions"`
}

type TransportStats struct {
	// Proto is a transport protocol.
	Proto string `json:"proto"`
	// LocalAddr is a local address.
	LocalAddr string `json:"local_addr"`
	// RequestsReceived is a number of received requests.
	RequestsReceived uint64 `json:"requests_received"`
	// RequestsSent is a number of requests passed to the transport.
	RequestsSent uint64 `json:"requests_sent"`
	// ResponsesReceived is a number of received responses.
	ResponsesReceived uint64 `json:"responses_received"`
	// ResponsesSent is a number of responses passed to the transport.
	ResponsesSent uint64 `json:"responses_sent"`
	// AvgRTT is an average round-trip time measured with the Timestamp header.
	AvgRTT time.Duration `json:"avg_rtt"`
	// NumRTT is a number of round-trip measurements.
	NumRTT uint64 `json:"num_rtt"`
}

type TransactionStats struct {
	// InviteClientTransactions is a number of active invite client transactions.
	InviteClientTransactions uint64 `json:"invite_client_transactions"`
	// NonInviteClientTransactions is a number of active non-invite client transactions.
	NonInviteClientTransactions uint64 `json:"non_invite_client_transactions"`
	// InviteServerTransactions is a number of active invite server transactions.
	InviteServerTransactions uint64 `json:"invite_server_transactions"`
	// NonInviteServerTransactions is a number of active non-invite server transactions.
	NonInviteServerTransactions uint64 `json:"non_invite_server_transactions"`
	// InviteClientTransactionsTotal is a total number of created invite client transactions.
	InviteClientTransactionsTotal uint64 `json:"invite_client_transactions_total"`
	// NonInviteClientTransactionsTotal is a total number of created non-invite client transactions.
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	// InviteServerTransactionsTotal is a total number of created invite server transactions.
	InviteServerTransactionsTotal uint64 `json:"invite_server_transactions_total"`
	// NonInviteServerTransactionsTotal is a total number of created non-invite server transactions.
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
	// TimedOut is a total number of transactions terminated by a timeout.
	TimedOut uint64 `json:"timed_out"`
	// TransportErrors is a total number of transactions terminated by a transport error.
	TransportErrors uint64 `json:"transport_errors"`
}

type transactStats struct {
	invClnTxs,
	invSrvTxs,
	ninvClnTxs,
	ninvSrvTxs atomic.Int64

	invClnTxsTotal,
	invSrvTxsTotal,
	ninvClnTxsTotal,
	ninvSrvTxsTotal,
	timedOut,
	transpErrs atomic.Uint64
}

func (s *transactStats) created(typ TransactionType) {
	switch typ {
	case TransactionTypeClientInvite:
		s.invClnTxs.Add(1)
		s.invClnTxsTotal.Add(1)
	case TransactionTypeClientNonInvite:
		s.ninvClnTxs.Add(1)
		s.ninvClnTxsTotal.Add(1)
	case TransactionTypeServerInvite:
		s.invSrvTxs.Add(1)
		s.invSrvTxsTotal.Add(1)
	case TransactionTypeServerNonInvite:
		s.ninvSrvTxs.Add(1)
		s.ninvSrvTxsTotal.Add(1)
	}
}

func (s *transactStats) terminated(typ TransactionType, err error) {
	switch typ {
	case TransactionTypeClientInvite:
		s.invClnTxs.Add(-1)
	case TransactionTypeClientNonInvite:
		s.ninvClnTxs.Add(-1)
	case TransactionTypeServerInvite:
		s.invSrvTxs.Add(-1)
	case TransactionTypeServerNonInvite:
		s.ninvSrvTxs.Add(-1)
	}

	switch {
	case errors.Is(err, ErrTransactionTimedOut):
		s.timedOut.Add(1)
	case errors.Is(err, ErrTransportError), errors.Is(err, ErrNoTransport), errors.Is(err, ErrNoTarget):
		s.transpErrs.Add(1)
	}
}

func (s *transactStats) snapshot() TransactionStats {
	return TransactionStats{
		InviteClientTransactions:         clampToUint64(s.invClnTxs.Load()),
		NonInviteClientTransactions:      clampToUint64(s.ninvClnTxs.Load()),
		InviteServerTransactions:         clampToUint64(s.invSrvTxs.Load()),
		NonInviteServerTransactions:      clampToUint64(s.ninvSrvTxs.Load()),
		InviteClientTransactionsTotal:    s.invClnTxsTotal.Load(),
		NonInviteClientTransactionsTotal: s.ninvClnTxsTotal.Load(),
		InviteServerTransactionsTotal:    s.invSrvTxsTotal.Load(),
		NonInviteServerTransactionsTotal: s.ninvSrvTxsTotal.Load(),
		TimedOut:                         s.timedOut.Load(),
		TransportErrors:                  s.transpErrs.Load(),
	}
}

func clampToUint64(value int64) uint64 {
	if value <= 0 {
		return 0
	}
	return uint64(value)
}

// StatsRecorder is a message observer module that records per-transport statistics.
// Outbound requests get a Timestamp header (RFC 3261 20.38) used to measure the round-trip time.
type StatsRecorder struct {
	ModuleBase

	ep    atomic.Pointer[Endpoint]
	stats sync.Map // map[transpKey]*transpStats
}

type transpKey struct {
	proto string
	laddr netip.AddrPort
}

type transpStats struct {
	inReqs,
	inRess,
	outRess,
	outReqs,
	rttSum,
	rttNum atomic.Uint64
}

func (*StatsRecorder) Name() string { return StatsRecorderModuleName }

func (*StatsRecorder) Priority() int { return PriorityMessageObserver }

func (rcdr *StatsRecorder) Load(_ context.Context, ep *Endpoint) error {
	rcdr.ep.Store(ep)
	return nil
}

// Report returns statistics report about various SIP layers.
// Call this function periodically to get updated values.
func (rcdr *StatsRecorder) Report() StatsReport {
	report := StatsReport{
		Time: time.Now(),
	}

	rcdr.stats.Range(func(key, value any) bool {
		stats, ok := value.(*transpStats)
		if !ok {
			return true
		}
		tpKey, ok := key.(transpKey)
		if !ok {
			return true
		}

		rttNum := stats.rttNum.Load()
		rttSum := stats.rttSum.Load()
		avgRTT := time.Duration(0)
		if rttNum > 0 {
			avgRTT = time.Duration(rttSum / rttNum)
		}

		report.Transports = append(report.Transports, TransportStats{
			Proto:             tpKey.proto,
			LocalAddr:         tpKey.laddr.String(),
			RequestsReceived:  stats.inReqs.Load(),
			RequestsSent:      stats.outReqs.Load(),
			ResponsesReceived: stats.inRess.Load(),
			ResponsesSent:     stats.outRess.Load(),
			AvgRTT:            avgRTT,
			NumRTT:            rttNum,
		})
		return true
	})

	if ep := rcdr.ep.Load(); ep != nil {
		report.Transactions = ep.TransactionLayer().Stats()
	}
	return report
}

func (rcdr *StatsRecorder) getTranspStats(tp Transport) *transpStats {
	if tp == nil {
		return nil
	}
	key := transpKey{tp.Proto(), tp.LocalAddr()}
	stats, _ := rcdr.stats.LoadOrStore(key, &transpStats{})
	return stats.(*transpStats) //nolint:forcetypeassert
}

func (rcdr *StatsRecorder) OnRxRequest(_ context.Context, req *Request) bool {
	if req.Rx != nil {
		if stats := rcdr.getTranspStats(req.Rx.Transport); stats != nil {
			stats.inReqs.Add(1)
		}
	}
	return false
}

func (rcdr *StatsRecorder) OnRxResponse(_ context.Context, res *Response) {
	if res.Rx == nil {
		return
	}
	stats := rcdr.getTranspStats(res.Rx.Transport)
	if stats == nil {
		return
	}
	stats.inRess.Add(1)

	if v, ok := res.Headers.Get(HeaderTimestamp); ok {
		if sent, delay, ok := parseTimestamp(v); ok && !res.Rx.Time.Before(sent.Add(delay)) {
			stats.rttNum.Add(1)
			stats.rttSum.Add(uint64(res.Rx.Time.Sub(sent) - delay))
		}
	}
}

func (rcdr *StatsRecorder) OnTxRequest(_ context.Context, req *Request) error {
	if _, ok := req.Headers.Get(HeaderTimestamp); !ok && !req.IsAck() {
		req.Headers.Set(HeaderTimestamp, formatTimestamp(time.Now()))
	}
	if stats := rcdr.getTranspStats(rcdr.txTransport(req.Headers.TopVia())); stats != nil {
		stats.outReqs.Add(1)
	}
	return nil
}

func (rcdr *StatsRecorder) OnTxResponse(_ context.Context, res *Response) error {
	var tp Transport
	if res.reqRx != nil {
		tp = res.reqRx.Transport
	} else {
		tp = rcdr.txTransport(res.Headers.TopVia())
	}
	if stats := rcdr.getTranspStats(tp); stats != nil {
		stats.outRess.Add(1)
	}
	return nil
}

func (rcdr *StatsRecorder) txTransport(via *Via) Transport {
	ep := rcdr.ep.Load()
	if ep == nil || via == nil {
		return nil
	}
	return ep.Transport(via.Transport)
}

func formatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

// parseTimestamp parses "time [delay]" values of the Timestamp header.
func parseTimestamp(v string) (sent time.Time, delay time.Duration, ok bool) {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return time.Time{}, 0, false
	}
	ts, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || ts <= 0 {
		return time.Time{}, 0, false
	}
	sent = time.UnixMicro(int64(ts * 1e6))
	if len(fields) > 1 {
		d, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || d < 0 {
			return time.Time{}, 0, false
		}
		delay = time.Duration(d * float64(time.Second))
	}
	return sent, delay, true
}
