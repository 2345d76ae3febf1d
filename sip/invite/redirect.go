package invite

import (
	"cmp"
	"slices"

	"github.com/samber/lo"

	"github.com/ghettovoice/sipcore/sip"
)

// RedirectDecision is the application decision for a redirection target.
type RedirectDecision uint8

const (
	// RedirectStop stops redirection, the session disconnects with the last final response status.
	// It is the zero value, so redirections are not followed unless the application says so.
	RedirectStop RedirectDecision = iota
	// RedirectAccept resends the INVITE to the target keeping the To header.
	RedirectAccept
	// RedirectAcceptReplace resends the INVITE to the target with the To header replaced by the target.
	RedirectAcceptReplace
	// RedirectReject skips the target and moves to the next one.
	RedirectReject
	// RedirectPending defers the decision until [Session.ProcessRedirect] is called.
	RedirectPending
)

func (d RedirectDecision) String() string {
	switch d {
	case RedirectAccept:
		return "accept"
	case RedirectAcceptReplace:
		return "accept_replace"
	case RedirectReject:
		return "reject"
	case RedirectPending:
		return "pending"
	default:
		return "stop"
	}
}

// TargetStatus is the status of a redirection target.
type TargetStatus uint8

const (
	TargetNew TargetStatus = iota
	TargetTried
	TargetRejected
)

// Target is an entry of a redirect target set.
type Target struct {
	URI    *sip.URI
	Q      float64
	Status TargetStatus
	// Code and Reason are taken from the last final response of the target.
	Code   sip.ResponseStatus
	Reason string
}

// TargetSet is the ordered set of alternative targets collected from 3xx responses.
// Targets are kept sorted by descending q value, equal values keep the order they were received in.
type TargetSet struct {
	targets []*Target
	cur     *Target
}

// Add merges the contacts into the set and returns the number of new targets.
// Contacts already in the set are ignored.
func (ts *TargetSet) Add(contacts []sip.NameAddr) int {
	uniq := lo.UniqBy(lo.Filter(contacts, func(c sip.NameAddr, _ int) bool {
		return c.URI != nil && !ts.contains(c.URI)
	}), func(c sip.NameAddr) string { return c.URI.String() })

	for _, c := range uniq {
		ts.targets = append(ts.targets, &Target{URI: c.URI.Clone(), Q: c.Q()})
	}
	slices.SortStableFunc(ts.targets, func(a, b *Target) int { return cmp.Compare(b.Q, a.Q) })
	return len(uniq)
}

func (ts *TargetSet) contains(u *sip.URI) bool {
	return lo.ContainsBy(ts.targets, func(t *Target) bool { return t.URI.Equal(u) })
}

// Next returns the untried target with the highest q value and makes it the current one.
// Rejected and tried targets are skipped.
func (ts *TargetSet) Next() (*Target, bool) {
	t, ok := lo.Find(ts.targets, func(t *Target) bool { return t.Status == TargetNew })
	if !ok {
		ts.cur = nil
		return nil, false
	}
	ts.cur = t
	return t, true
}

// Current returns the target the last [TargetSet.Next] returned.
func (ts *TargetSet) Current() *Target { return ts.cur }

// SetStatus sets the status of the current target.
func (ts *TargetSet) SetStatus(st TargetStatus) {
	if ts.cur != nil {
		ts.cur.Status = st
	}
}

// SetResponse records the final response of the current target.
func (ts *TargetSet) SetResponse(res *sip.Response) {
	if ts.cur != nil && res != nil {
		ts.cur.Code, ts.cur.Reason = res.Status, res.Reason
	}
}

// HasNext reports whether an untried target remains.
func (ts *TargetSet) HasNext() bool {
	return lo.ContainsBy(ts.targets, func(t *Target) bool { return t.Status == TargetNew })
}

// Targets returns a copy of the targets in traversal order.
func (ts *TargetSet) Targets() []Target {
	return lo.Map(ts.targets, func(t *Target, _ int) Target { return *t })
}

func (ts *TargetSet) Len() int { return len(ts.targets) }
