package tcp

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/tcpengine/internal"
)

// onTimer handles the expiry of the timer with purpose p.
func (h *Handler) onTimer(p timerPurpose) {
	now := h.clock.Now()
	h.trace("handler:timer", slog.String("purpose", p.String()), slog.String("state", h.scb.State().String()))
	switch p {
	case timerRetransmit:
		if h.keepaliveIdle {
			h.onKeepalive(now)
		} else {
			h.onRetransmit(now)
		}
	case timerProbe:
		h.onProbe()
	case timerDelayedAck:
		if h.ackSegs > 0 || h.ackBytes > 0 {
			h.scb.QueueACK()
		}
	case timerClose:
		h.debug("handler:close-deadline", slog.String("state", h.scb.State().String()))
		h.terminate(nil)
	case timerCoalesce:
		h.flushPartial = true
	}
	if h.scb.State() != StateClosed {
		h.output(now)
	}
}

// onRetransmit resends the oldest unacknowledged segment with exponential
// backoff, re-validating the route past the soft retry threshold and
// giving up past the hard threshold.
func (h *Handler) onRetransmit(now time.Time) {
	if _, ok := h.txq.oldest(); !ok {
		return
	}
	state := h.scb.State()
	if h.opts.userTimeout > 0 && !h.unackedSince.IsZero() && now.Sub(h.unackedSince) >= h.opts.userTimeout {
		h.terminate(errors.Wrapf(ErrConnectionTimedOut, "data unacknowledged for %s", now.Sub(h.unackedSince)))
		return
	}
	budget := h.cfg.HardRetries
	if state.IsPreestablished() {
		budget = h.cfg.SynRetries
	}
	if h.rtt.backoff >= budget {
		switch {
		case state.isTeardown():
			h.terminate(errors.Wrapf(ErrConnectionTimedOut, "teardown retransmission budget of %d exhausted in %s", budget, state))
		case state == StateSynSent:
			h.terminate(errors.Wrap(ErrConnectionTimedOut, "no answer to SYN"))
		default:
			h.terminate(errors.Wrapf(ErrConnectionTimedOut, "retransmission budget of %d exhausted", budget))
		}
		return
	}
	if h.rtt.backoff == 0 {
		h.cc.onLoss()
	}
	h.rtt.timeout()
	if h.rtt.backoff > h.cfg.SoftRetries {
		h.revalidateRoute()
	}
	if h.retransmitOldest(now) != nil {
		return
	}
	h.armRetransmit()
}

// revalidateRoute asks the network to resolve the route again to recover from stale
// neighbor entries. A smaller MTU lowers the send MSS.
func (h *Handler) revalidateRoute() {
	route, err := h.net.ResolveRoute(h.id.Remote.Addr())
	if err != nil {
		h.debug("handler:route-revalidate", internal.SlogAddrPort("remote", h.id.Remote), slog.String("err", err.Error()))
		return
	}
	h.route = route
	if m := mssForMTU(route.MTU, h.id.Remote.Addr()); m > 0 && m < h.mss {
		h.mss = m
		h.txq.mss = m
	}
	h.debug("handler:route-revalidate", internal.SlogAddrPort("remote", h.id.Remote), slog.Int("mtu", route.MTU))
}

// onKeepalive probes an idle connection, aborting it after too many unanswered probes.
func (h *Handler) onKeepalive(now time.Time) {
	state := h.scb.State()
	if !h.opts.keepalive || (state != StateEstablished && state != StateCloseWait) {
		h.keepaliveIdle = false
		return
	}
	idle := now.Sub(h.lastRecv)
	if h.kaProbes == 0 && idle < h.cfg.KeepaliveIdle {
		h.timers.arm(timerRetransmit, h.cfg.KeepaliveIdle-idle)
		return
	}
	if h.kaProbes >= h.cfg.KeepaliveProbes {
		h.terminate(errors.Wrapf(ErrConnectionTimedOut, "%d keepalive probes unanswered", h.kaProbes))
		return
	}
	h.kaProbes++
	h.emit(h.scb.MakeKeepalive(), nil)
	h.timers.arm(timerRetransmit, h.cfg.KeepaliveInterval)
}

// onProbe sends a header-only probe while the remote advertises a zero window.
func (h *Handler) onProbe() {
	if h.scb.SendWindow() > 0 || h.txq.Buffered() == 0 || h.txq.InFlight() > 0 {
		h.probeBackoff = 0
		return
	}
	h.emit(h.scb.MakeKeepalive(), nil)
	h.probeBackoff++
	h.timers.arm(timerProbe, h.probeInterval())
}
