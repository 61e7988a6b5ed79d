package engine

import (
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/dnsgate/dnsgate/backend"
	"github.com/dnsgate/dnsgate/dnsq"
)

// delivered is what a responder hands to the waiting frontend goroutine. A
// nil msg means the query was dropped, timed out or displaced.
type delivered struct {
	msg       *dns.Msg
	delayMsec int
}

// replyUnit is the back-channel attached to an in-flight slot. Exactly one
// of Deliver and Release wins, later calls are no-ops.
type replyUnit struct {
	ch   chan delivered
	once atomic.Bool
}

func newReplyUnit() *replyUnit {
	return &replyUnit{ch: make(chan delivered, 1)}
}

// Release wakes the frontend without an answer.
func (u *replyUnit) Release() {
	if u.once.CompareAndSwap(false, true) {
		u.ch <- delivered{}
	}
}

// Deliver hands the processed response to the frontend.
func (u *replyUnit) Deliver(msg *dns.Msg, delayMsec int) {
	if u.once.CompareAndSwap(false, true) {
		u.ch <- delivered{msg: msg, delayMsec: delayMsec}
	}
}

// Serve is the frontend entry point, one call per query. It blocks until
// the response is written or the query is dropped, the caller is the
// per-query goroutine of the listener.
func (e *Engine) Serve(cs *ClientState, w dns.ResponseWriter, r *dns.Msg) {
	cs.Queries.Add(1)

	if len(r.Question) == 0 {
		e.Stats.EmptyQueries.Add(1)
		cs.Dropped.Add(1)

		return
	}

	q := dnsq.New(r, w.LocalAddr(), w.RemoteAddr(), cs.TCP)

	if !isLoopback(w.RemoteAddr()) && !e.clients.allow(q.RemoteIP()) {
		e.Stats.RateLimited.Add(1)
		cs.Dropped.Add(1)

		return
	}

	result, srv := e.ProcessQuery(q, cs)

	switch result {
	case ResultDrop:
		cs.Dropped.Add(1)

	case ResultSendAnswer:
		e.reply(cs, w, q, q.SelfAnswer, q.DelayMsec)

	case ResultPassToBackend:
		var (
			msg   *dns.Msg
			delay int
			ok    bool
		)

		if q.TCP {
			msg, delay, ok = e.forwardTCP(srv, q)
		} else {
			msg, delay, ok = e.forwardUDP(srv, q)
		}

		if !ok {
			cs.Dropped.Add(1)
			return
		}

		if delay < q.DelayMsec {
			delay = q.DelayMsec
		}

		e.reply(cs, w, q, msg, delay)
	}
}

// reply writes msg back to the client, honoring a delay budget, the muted
// flag and the transport's size limit.
func (e *Engine) reply(cs *ClientState, w dns.ResponseWriter, q *dnsq.Question, msg *dns.Msg, delayMsec int) {
	if msg == nil {
		cs.Dropped.Add(1)
		return
	}

	if delayMsec > 0 {
		time.Sleep(time.Duration(delayMsec) * time.Millisecond)
	}

	cs.Responses.Add(1)

	if cs.Muted {
		return
	}

	if !q.TCP && msg.Len() > q.MaxSize() {
		msg.Truncate(q.MaxSize())
	}

	if err := w.WriteMsg(msg); err != nil {
		zlog.Debug("Client write failed", "client", w.RemoteAddr().String(), "error", err.Error())
	}
}

// forwardUDP forwards the query through the server's in-flight table and
// waits for the responder to deliver the answer.
func (e *Engine) forwardUDP(srv *backend.Server, q *dnsq.Question) (*dns.Msg, int, bool) {
	pool := e.GetPool(q.PoolName)

	if pool.UseECS || srv.UseECS {
		addECS(q, q.ECSOverride)
	}

	idx := srv.NextSlot()
	unit := newReplyUnit()

	data := backend.IDData{
		OrigRemote: q.RemoteAddr,
		OrigDest:   q.LocalAddr,
		HopRemote:  q.HopRemote,
		HopLocal:   q.HopLocal,

		Qname:    q.Name,
		Qtype:    q.Qtype,
		Qclass:   q.Qclass,
		PoolName: q.PoolName,

		OrigID:    q.Msg.Id,
		OrigFlags: q.OrigFlags,
		DelayMsec: q.DelayMsec,

		CacheKey:      q.CacheKey,
		CacheKeyNoECS: q.CacheKeyNoECS,

		ECSAdded:     q.ECSAdded,
		EDNSAdded:    q.EDNSAdded,
		SkipCache:    q.SkipCache,
		UseZeroScope: q.UseZeroScope,
		DNSSECOK:     q.DNSSECOK,

		UniqueID: q.UniqueID,

		Unit: unit,
	}
	data.SentTime.Start()

	// the outgoing transaction id is the slot index
	q.Msg.Id = idx

	packet, err := q.Msg.Pack()
	if err != nil {
		e.Stats.NonCompliantQueries.Add(1)
		return nil, 0, false
	}

	usage, _ := srv.FillSlot(idx, data)
	srv.IncQueries()

	if err := srv.Send(packet); err != nil {
		e.Stats.DownstreamSendErrors.Add(1)
		srv.ReleaseSlot(idx, usage)

		zlog.Warn("Backend send failed", "server", srv.NameWithAddr(), "error", err.Error())

		return nil, 0, false
	}

	timeout := time.NewTimer(e.UDPTimeout + time.Duration(q.DelayMsec)*time.Millisecond)
	defer timeout.Stop()

	select {
	case d := <-unit.ch:
		if d.msg == nil {
			return nil, 0, false
		}

		return d.msg, d.delayMsec, true

	case <-timeout.C:
		if srv.ReleaseSlot(idx, usage) {
			e.Stats.DownstreamTimeouts.Add(1)
		}

		return nil, 0, false
	}
}

// forwardTCP exchanges the query synchronously over one tcp connection,
// the way the tcp workers do, then runs it through the response path.
func (e *Engine) forwardTCP(srv *backend.Server, q *dnsq.Question) (*dns.Msg, int, bool) {
	pool := e.GetPool(q.PoolName)

	if pool.UseECS || srv.UseECS {
		addECS(q, q.ECSOverride)
	}

	data := backend.IDData{
		OrigRemote: q.RemoteAddr,
		OrigDest:   q.LocalAddr,

		Qname:    q.Name,
		Qtype:    q.Qtype,
		Qclass:   q.Qclass,
		PoolName: q.PoolName,

		OrigID:    q.Msg.Id,
		OrigFlags: q.OrigFlags,
		DelayMsec: q.DelayMsec,

		CacheKey:      q.CacheKey,
		CacheKeyNoECS: q.CacheKeyNoECS,

		ECSAdded:  q.ECSAdded,
		EDNSAdded: q.EDNSAdded,
		SkipCache: q.SkipCache,
	}
	data.SentTime.Start()

	srv.IncQueries()

	c := &dns.Client{Net: "tcp", Timeout: srv.TCPTimeout}

	resp, _, err := c.Exchange(q.Msg, srv.Addr)
	if err != nil {
		e.Stats.DownstreamSendErrors.Add(1)
		srv.SendErrors.Add(1)

		zlog.Warn("Backend tcp exchange failed", "server", srv.NameWithAddr(), "error", err.Error())

		return nil, 0, false
	}

	srv.Responses.Add(1)
	srv.ObserveLatency(data.SentTime.UDiff())

	return e.finishResponse(data, resp)
}
