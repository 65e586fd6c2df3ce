// Package server implements the rendezvous server's state machine and
// its UDP I/O loop (§4.6). The server handles one experiment at a
// time; a second peer probing while one is ongoing gets Busy.
//
// The state machine itself (this file) is a pure function
// Handle(State, Request, ...) -> Outcome{NextState, Reply}, in the same
// style as the teacher's BFD FSM: no network I/O, no clock reads baked
// in as side effects — every timestamp the transition needs arrives as
// part of the Request. This makes the handshake and expiry logic exhaustively
// unit-testable without a socket.
package server

import (
	"net/netip"

	"github.com/vi/netmeasure2/internal/experiment"
)

// pendingGraceUs is how long a RetryWithSessionID offer stays valid
// before the idle state forgets it (§4.6): a probe that never follows
// up within this window must renegotiate a fresh session id.
const pendingGraceUs = 10_000_000

// resultsGraceUs is how long a finished experiment's results stay
// available for idempotent HereAreResults redelivery after it ends
// (§4.6): a probe whose reply got lost on the wire can re-ask for up
// to this long before the server forgets the run entirely.
const resultsGraceUs = 30_000_000

// State is the server's entire state machine position. At most one of
// Ongoing or Pending is non-nil at a time; Last persists across the
// transition back to idle so a repeated request can be answered
// idempotently.
type State struct {
	Ongoing *Ongoing
	Pending *Pending
	Last    *LastResult
}

// Ongoing is the server's view of the experiment currently in
// progress.
type Ongoing struct {
	Peer         netip.AddrPort
	Info         experiment.Info
	AcceptedAtUs int64
	// StartAtUs is AcceptedAtUs + Info.PendingStartUs: the instant
	// steady-state packet emission actually begins. A control frame
	// arriving before this gets re-anchored as Accepted; one arriving
	// after it gets IsOngoing (§4.6).
	StartAtUs int64
	// ExpiresAtUs is Info.PendingStartUs plus Info.Duration() past
	// AcceptedAtUs, plus a grace window (§4.6): the instant the server gives up on a run that
	// never produced final results and reverts to idle on its own.
	ExpiresAtUs int64
}

// Pending is a session id the server has offered via
// RetryWithSessionID but that has not yet been echoed back (§4.6): the
// handshake step that deters a spoofed source address from hijacking
// another peer's in-flight negotiation.
type Pending struct {
	Peer       netip.AddrPort
	Info       experiment.Info
	SessionID  uint64
	OfferedUs  int64
	ExpiresUs  int64
}

// LastResult is the idle state's memory of the most recently completed
// experiment, kept around so a redelivered ClientToServer with the
// same Info gets the same HereAreResults reply instead of starting a
// new run (§3, §4.6 idempotent redelivery).
type LastResult struct {
	Peer       netip.AddrPort
	Info       experiment.Info
	ToServer   *experiment.Results
	FromServer *experiment.Results
	SendLost   *uint32
	ExpiresUs  int64
}

// Request is a decoded ClientToServer control frame plus the instant
// it arrived, fed into the transition function as an event.
type Request struct {
	Peer  netip.AddrPort
	Info  experiment.Info
	NowUs int64
}

// Outcome is what the transition function decided to do in response to
// one Request: the new State plus the Reply the caller must send back.
// Reply.StartSession marks the one side effect the caller (server.go)
// must perform beyond sending Reply.
type Outcome struct {
	NextState State
	Reply     ReplyDecision
}

// ReplyKind mirrors wire.ReplyKind but stays decoupled from the wire
// package so this file has zero encoding dependencies.
type ReplyKind int

const (
	ReplyBusy ReplyKind = iota
	ReplyRetryWithSessionID
	ReplyAccepted
	ReplyIsOngoing
	ReplyHereAreResults
	ReplyResourceLimits
)

// ReplyDecision is the transition function's verdict on how to answer
// one request.
type ReplyDecision struct {
	Kind              ReplyKind
	SessionID         uint64
	RemainingWarmupUs int64
	ElapsedUs         int64
	ToServer          *experiment.Results
	FromServer        *experiment.Results
	SendLost          *uint32
	Msg               string
	// StartSession is true when the caller must actually spin up the
	// sender/receiver goroutines for Accepted, i.e. the handshake just
	// completed.
	StartSession bool
}

// Handle runs the state machine for one incoming request against
// limits, expiring Ongoing/Pending/Last first if req.NowUs has passed
// their deadlines.
func Handle(state State, req Request, limits experiment.Limits, mintSessionID func() uint64) Outcome {
	state = expire(state, req.NowUs)

	if state.Ongoing != nil {
		return handleWhileOngoing(state, req)
	}

	if state.Pending != nil {
		return handleWhilePending(state, req, mintSessionID)
	}

	if state.Last != nil && state.Last.Info.Equal(req.Info) && state.Last.Peer == req.Peer {
		return Outcome{
			NextState: state,
			Reply: ReplyDecision{
				Kind:       ReplyHereAreResults,
				ToServer:   state.Last.ToServer,
				FromServer: state.Last.FromServer,
				SendLost:   state.Last.SendLost,
			},
		}
	}

	if err := req.Info.CheckLimits(limits); err != nil {
		return Outcome{
			NextState: state,
			Reply:     ReplyDecision{Kind: ReplyResourceLimits, Msg: err.Error()},
		}
	}

	sessionID := mintSessionID()
	state.Pending = &Pending{
		Peer:      req.Peer,
		Info:      req.Info,
		SessionID: sessionID,
		OfferedUs: req.NowUs,
		ExpiresUs: req.NowUs + pendingGraceUs,
	}
	return Outcome{
		NextState: state,
		Reply:     ReplyDecision{Kind: ReplyRetryWithSessionID, SessionID: sessionID},
	}
}

func handleWhileOngoing(state State, req Request) Outcome {
	o := state.Ongoing
	if req.Peer != o.Peer || !req.Info.Equal(o.Info) {
		return Outcome{NextState: state, Reply: ReplyDecision{Kind: ReplyBusy}}
	}

	if req.NowUs < o.StartAtUs {
		return Outcome{
			NextState: state,
			Reply: ReplyDecision{
				Kind:              ReplyAccepted,
				SessionID:         o.Info.SessionID,
				RemainingWarmupUs: o.StartAtUs - req.NowUs,
			},
		}
	}

	return Outcome{
		NextState: state,
		Reply: ReplyDecision{
			Kind:      ReplyIsOngoing,
			SessionID: o.Info.SessionID,
			ElapsedUs: req.NowUs - o.StartAtUs,
		},
	}
}

func handleWhilePending(state State, req Request, mintSessionID func() uint64) Outcome {
	p := state.Pending

	if req.Peer != p.Peer || req.Info.PacketSize != p.Info.PacketSize ||
		req.Info.PacketDelayUs != p.Info.PacketDelayUs ||
		req.Info.TotalPackets != p.Info.TotalPackets ||
		req.Info.Direction != p.Info.Direction ||
		req.Info.RTPMimic != p.Info.RTPMimic {
		// A different peer, or the same peer asking for a materially
		// different experiment: the pending offer is not for this
		// request. Busy for a foreign peer, otherwise mint a new offer.
		if req.Peer != p.Peer {
			return Outcome{NextState: state, Reply: ReplyDecision{Kind: ReplyBusy}}
		}
		sessionID := mintSessionID()
		state.Pending = &Pending{
			Peer:      req.Peer,
			Info:      req.Info,
			SessionID: sessionID,
			OfferedUs: req.NowUs,
			ExpiresUs: req.NowUs + pendingGraceUs,
		}
		return Outcome{NextState: state, Reply: ReplyDecision{Kind: ReplyRetryWithSessionID, SessionID: sessionID}}
	}

	if req.Info.SessionID != p.SessionID {
		// Same experiment shape, wrong session id: either a stale
		// retry or a spoofed peer; re-offer the real one rather than
		// accepting (§4.6 spoofing deterrence).
		return Outcome{NextState: state, Reply: ReplyDecision{Kind: ReplyRetryWithSessionID, SessionID: p.SessionID}}
	}

	accepted := req.Info
	remainingWarmup := int64(accepted.PendingStartUs)

	state.Pending = nil
	state.Ongoing = &Ongoing{
		Peer:         req.Peer,
		Info:         accepted,
		AcceptedAtUs: req.NowUs,
		StartAtUs:    req.NowUs + int64(accepted.PendingStartUs),
		ExpiresAtUs:  req.NowUs + int64(accepted.PendingStartUs) + accepted.Duration().Microseconds() + resultsGraceUs,
	}

	return Outcome{
		NextState: state,
		Reply: ReplyDecision{
			Kind:              ReplyAccepted,
			SessionID:         accepted.SessionID,
			RemainingWarmupUs: remainingWarmup,
			StartSession:      true,
		},
	}
}

// Finish transitions an Ongoing experiment to idle once its
// sender/receiver goroutines have completed, recording the results for
// idempotent redelivery (§4.6).
func Finish(state State, peer netip.AddrPort, info experiment.Info, toServer, fromServer *experiment.Results, sendLost *uint32, nowUs int64) State {
	if state.Ongoing == nil || state.Ongoing.Peer != peer {
		return state
	}
	state.Ongoing = nil
	state.Last = &LastResult{
		Peer:       peer,
		Info:       info,
		ToServer:   toServer,
		FromServer: fromServer,
		SendLost:   sendLost,
		ExpiresUs:  nowUs + resultsGraceUs,
	}
	return state
}

// expire drops Ongoing/Pending/Last entries whose deadlines have
// passed as of nowUs (§4.6).
func expire(state State, nowUs int64) State {
	if state.Ongoing != nil && nowUs >= state.Ongoing.ExpiresAtUs {
		state.Ongoing = nil
	}
	if state.Pending != nil && nowUs >= state.Pending.ExpiresUs {
		state.Pending = nil
	}
	if state.Last != nil && nowUs >= state.Last.ExpiresUs {
		state.Last = nil
	}
	return state
}
