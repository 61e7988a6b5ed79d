package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/dnsgate/dnsgate/acl"
	"github.com/dnsgate/dnsgate/backend"
	"github.com/dnsgate/dnsgate/config"
	"github.com/dnsgate/dnsgate/dnsq"
	"github.com/dnsgate/dnsgate/dynblock"
	"github.com/dnsgate/dnsgate/pcache"
	"github.com/dnsgate/dnsgate/rules"
	"github.com/dnsgate/dnsgate/state"
	"github.com/dnsgate/dnsgate/util"
)

// ProcessResult is the verdict of the query path.
type ProcessResult int

// Verdicts.
const (
	ResultDrop ProcessResult = iota
	ResultSendAnswer
	ResultPassToBackend
)

// DefaultPool is the name of the pool queries land in unless a rule says
// otherwise.
const DefaultPool = ""

const cacheCleanInterval = 10 * time.Second

// Engine drives the query life-cycle. Every runtime-editable table hangs
// off a versioned holder, readers snapshot once per query.
type Engine struct {
	ACL     *state.Holder[*acl.ACL]
	Policy  *state.Holder[*backend.Policy]
	Servers *state.Holder[[]*backend.Server]
	Pools   *state.Holder[map[string]*backend.Pool]

	Rules                 *state.Holder[[]*rules.RuleAction]
	RespRules             *state.Holder[[]*rules.ResponseRuleAction]
	CacheHitRespRules     *state.Holder[[]*rules.ResponseRuleAction]
	SelfAnsweredRespRules *state.Holder[[]*rules.ResponseRuleAction]

	DynBlocks      *dynblock.Registry
	DynBlockAction rules.Action

	ServFailOnNoPolicy bool
	ServeStale         bool

	UDPTimeout time.Duration
	TCPTimeout time.Duration

	Stats Stats

	clients *clientLimits

	done chan struct{}
}

// New assembles an engine from the configuration. Servers are built but not
// started, Start opens their sockets.
func New(cfg *config.Config) (*Engine, error) {
	policy, err := backend.PolicyByName(cfg.Policy)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		ACL:    state.New(acl.New(cfg.AccessList)),
		Policy: state.New(policy),

		Rules:                 state.New([]*rules.RuleAction{}),
		RespRules:             state.New([]*rules.ResponseRuleAction{}),
		CacheHitRespRules:     state.New([]*rules.ResponseRuleAction{}),
		SelfAnsweredRespRules: state.New([]*rules.ResponseRuleAction{}),

		DynBlocks:      dynblock.NewRegistry(),
		DynBlockAction: rules.ActionDrop,

		ServFailOnNoPolicy: cfg.ServFailOnNoPolicy,
		ServeStale:         cfg.ServeStale,

		UDPTimeout: cfg.UDPTimeout.Duration,
		TCPTimeout: cfg.TCPTimeout.Duration,

		clients: newClientLimits(cfg.ClientRateLimit),

		done: make(chan struct{}),
	}

	if action, ok := rules.ParseAction(cfg.DynBlockAction); ok && action != rules.ActionNone {
		e.DynBlockAction = action
	}

	servers, pools, err := buildBackends(cfg, e)
	if err != nil {
		return nil, err
	}

	e.Servers = state.New(servers)
	e.Pools = state.New(pools)

	seeded, err := rulesFromConfig(cfg.Rules)
	if err != nil {
		return nil, err
	}
	e.Rules.Set(seeded)

	return e, nil
}

func buildBackends(cfg *config.Config, e *Engine) ([]*backend.Server, map[string]*backend.Pool, error) {
	pools := map[string]*backend.Pool{
		DefaultPool: backend.NewPool(DefaultPool),
	}

	if cfg.CacheSize > 0 {
		pools[DefaultPool].Cache = pcache.New(cfg.CacheSize, cfg.CacheMaxTTL, cfg.CacheMinTTL, cfg.CacheStaleTTL)
	}

	for _, pc := range cfg.Pools {
		pool := backend.NewPool(pc.Name)
		pool.UseECS = pc.UseECS

		if pc.CacheSize > 0 {
			pool.Cache = pcache.New(pc.CacheSize, cfg.CacheMaxTTL, cfg.CacheMinTTL, cfg.CacheStaleTTL)
		}

		if pc.Policy != "" {
			override, err := backend.PolicyByName(pc.Policy)
			if err != nil {
				return nil, nil, err
			}
			pool.Policy = override
		}

		pools[pc.Name] = pool
	}

	servers := make([]*backend.Server, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		srv, err := backend.New(backend.Config{
			Name:       sc.Name,
			Addr:       sc.Address,
			SourceAddr: sc.Source,
			Sockets:    sc.Sockets,

			QPS:   uint32(sc.QPS),
			Burst: uint32(sc.Burst),

			Order:  sc.Order,
			Weight: sc.Weight,
			Pools:  sc.Pools,

			MaxOutstanding: sc.MaxOutstanding,

			CheckName:        sc.CheckName,
			CheckType:        dns.StringToType[sc.CheckType],
			CheckInterval:    sc.CheckInterval.Duration,
			CheckTimeout:     sc.CheckTimeout.Duration,
			MaxCheckFailures: sc.MaxCheckFailures,
			MinRiseSuccesses: sc.MinRiseSuccesses,
			MustResolve:      sc.MustResolve,
			ReconnectOnUp:    sc.ReconnectOnUp,

			UseECS:     sc.UseECS,
			TCPTimeout: cfg.TCPTimeout.Duration,
		})
		if err != nil {
			return nil, nil, err
		}

		srv.OnResponse = e.ProcessResponse

		memberOf := sc.Pools
		if len(memberOf) == 0 {
			memberOf = []string{DefaultPool}
		}

		for _, name := range memberOf {
			pool, ok := pools[name]
			if !ok {
				pool = backend.NewPool(name)
				pools[name] = pool
			}
			pool.AddServer(srv)
		}

		servers = append(servers, srv)
	}

	return servers, pools, nil
}

// Start opens the backend sockets and launches the maintenance loop.
func (e *Engine) Start() error {
	for _, srv := range *e.Servers.Get() {
		if err := srv.Start(); err != nil {
			return err
		}
	}

	go e.maintenance()

	return nil
}

// Stop shuts the backends and the maintenance loop down.
func (e *Engine) Stop() {
	close(e.done)

	for _, srv := range *e.Servers.Get() {
		srv.Stop()
	}
}

// GetPool returns the pool under name, falling back to the default pool.
func (e *Engine) GetPool(name string) *backend.Pool {
	pools := *e.Pools.Get()

	if pool, ok := pools[name]; ok {
		return pool
	}

	return pools[DefaultPool]
}

// checkQueryHeaders is the sanity gate of the query path.
func checkQueryHeaders(m *dns.Msg) bool {
	if m.Response {
		return false
	}

	if m.Opcode != dns.OpcodeQuery {
		return false
	}

	return len(m.Question) == 1
}

// ProcessQuery classifies one query and decides its fate: drop it, answer
// it from rules or cache, or forward it to the selected backend. On
// ResultSendAnswer the response sits in q.SelfAnswer.
func (e *Engine) ProcessQuery(q *dnsq.Question, cs *ClientState) (ProcessResult, *backend.Server) {
	e.Stats.Queries.Add(1)

	if !checkQueryHeaders(q.Msg) {
		e.Stats.NonCompliantQueries.Add(1)
		cs.NonCompliant.Add(1)

		return ResultDrop, nil
	}

	q.OrigFlags = util.PackFlags(&q.Msg.MsgHdr)

	// acl
	if !(*e.ACL.Get()).Allowed(q.RemoteIP()) {
		e.Stats.ACLDrops.Add(1)

		return ResultDrop, nil
	}

	// dynamic blocks, most specific live entry of either table
	if res, stop := e.applyDynBlocks(q); stop {
		return res, nil
	}

	// rule pipeline
	res, answered := e.applyQueryRules(q)
	if res == ResultDrop {
		return ResultDrop, nil
	}

	pool := e.GetPool(q.PoolName)

	if answered {
		e.runSelfAnsweredRules(q)
		return ResultSendAnswer, nil
	}

	// cache
	if !q.SkipCache && pool.Cache != nil {
		e.fingerprint(q, pool)

		if msg, err := pool.Cache.Lookup(q.CacheKey, q.Msg.Id, time.Now()); err == nil {
			e.Stats.CacheHits.Add(1)
			e.runCacheHitRules(q, msg)
			q.SelfAnswer = msg

			return ResultSendAnswer, nil
		}

		e.Stats.CacheMisses.Add(1)
	}

	// policy
	policy := pool.Policy
	if policy == nil {
		policy = *e.Policy.Get()
	}

	selected := policy.Fn(pool.Servers(), q)
	if selected == nil {
		e.Stats.NoPolicy.Add(1)

		if e.ServeStale && pool.Cache != nil {
			if msg, err := pool.Cache.LookupStale(q.CacheKey, q.Msg.Id, time.Now()); err == nil {
				e.Stats.CacheHits.Add(1)
				q.SelfAnswer = msg

				return ResultSendAnswer, nil
			}
		}

		if e.ServFailOnNoPolicy {
			e.answerRcode(q, dns.RcodeServerFailure)
			e.Stats.ServFailResponses.Add(1)
			e.runSelfAnsweredRules(q)

			return ResultSendAnswer, nil
		}

		return ResultDrop, nil
	}

	return ResultPassToBackend, selected
}

func (e *Engine) applyDynBlocks(q *dnsq.Question) (ProcessResult, bool) {
	now := time.Now()

	block := e.DynBlocks.Lookup(q.RemoteIP(), now)
	if block == nil {
		block = e.DynBlocks.LookupSuffix(q.Name, now)
	}

	if block == nil {
		return ResultPassToBackend, false
	}

	block.Hit()
	e.Stats.DynBlocked.Add(1)

	if block.Warning {
		return ResultPassToBackend, false
	}

	action := block.Action
	if action == rules.ActionNone {
		action = e.DynBlockAction
	}

	switch action {
	case rules.ActionNxdomain:
		e.answerRcode(q, dns.RcodeNameError)
		return ResultSendAnswer, true
	case rules.ActionRefused:
		e.answerRcode(q, dns.RcodeRefused)
		return ResultSendAnswer, true
	case rules.ActionTruncate:
		if !q.TCP {
			e.answerTruncate(q)
			return ResultSendAnswer, true
		}

		return ResultDrop, true
	default:
		return ResultDrop, true
	}
}

// applyQueryRules walks the rule chain once. It reports the verdict and
// whether a response was synthesized into q.SelfAnswer.
func (e *Engine) applyQueryRules(q *dnsq.Question) (ProcessResult, bool) {
	for _, ra := range *e.Rules.Get() {
		if !ra.Rule.Matches(q) {
			continue
		}

		ra.Matched()

		action, payload := ra.Action.Apply(q)
		switch action {
		case rules.ActionNone, rules.ActionNoOp, rules.ActionHeaderModify, rules.ActionNoRecurse:
			continue

		case rules.ActionPool:
			q.PoolName = payload
			continue

		case rules.ActionDelay:
			if msec, err := strconv.Atoi(payload); err == nil {
				q.DelayMsec = msec
			}
			continue

		case rules.ActionAllow:
			return ResultPassToBackend, false

		case rules.ActionDrop:
			e.Stats.RuleDrop.Add(1)
			return ResultDrop, false

		case rules.ActionNxdomain:
			e.Stats.RuleNxdomain.Add(1)
			e.answerRcode(q, dns.RcodeNameError)
			return ResultSendAnswer, true

		case rules.ActionRefused:
			e.Stats.RuleRefused.Add(1)
			e.answerRcode(q, dns.RcodeRefused)
			return ResultSendAnswer, true

		case rules.ActionServFail:
			e.Stats.RuleServFail.Add(1)
			e.answerRcode(q, dns.RcodeServerFailure)
			return ResultSendAnswer, true

		case rules.ActionTruncate:
			e.Stats.RuleTruncated.Add(1)
			e.answerTruncate(q)
			return ResultSendAnswer, true

		case rules.ActionSpoof, rules.ActionSpoofRaw:
			e.Stats.SelfAnswered.Add(1)
			return ResultSendAnswer, true
		}
	}

	return ResultPassToBackend, false
}

func (e *Engine) answerRcode(q *dnsq.Question, rcode int) {
	q.SelfAnswer = util.SetRcode(q.Msg, rcode, q.DNSSECOK)
}

func (e *Engine) answerTruncate(q *dnsq.Question) {
	m := new(dns.Msg)
	m.SetReply(q.Msg)
	m.Truncated = true
	m.RecursionAvailable = q.Msg.RecursionDesired

	q.SelfAnswer = m
}

// fingerprint computes both cache keys for the query.
func (e *Engine) fingerprint(q *dnsq.Question, pool *backend.Pool) {
	flags := q.OrigFlags & (util.FlagRD | util.FlagCD)

	ecs := ""
	if pool.UseECS {
		ecs = ecsKeyString(ecsOption(q.Msg))
	}

	q.CacheKey = pcache.Fingerprint(q.Name, q.Qtype, q.Qclass, flags, ecs)
	q.CacheKeyNoECS = q.CacheKey

	if ecs != "" {
		q.CacheKeyNoECS = pcache.Fingerprint(q.Name, q.Qtype, q.Qclass, flags, "")
	}
}

// runSelfAnsweredRules applies the self-answered pipeline to q.SelfAnswer.
func (e *Engine) runSelfAnsweredRules(q *dnsq.Question) {
	if q.SelfAnswer == nil {
		return
	}

	r := &dnsq.Response{
		Msg:        q.SelfAnswer,
		Name:       q.Name,
		Qtype:      q.Qtype,
		Qclass:     q.Qclass,
		LocalAddr:  q.LocalAddr,
		RemoteAddr: q.RemoteAddr,
		TCP:        q.TCP,
	}

	if drop, delay := e.runResponseRules(*e.SelfAnsweredRespRules.Get(), r); drop {
		q.SelfAnswer = nil
	} else if delay > q.DelayMsec {
		q.DelayMsec = delay
	}
}

// runCacheHitRules applies the cache-hit pipeline to a cached answer.
func (e *Engine) runCacheHitRules(q *dnsq.Question, msg *dns.Msg) {
	r := &dnsq.Response{
		Msg:        msg,
		Name:       q.Name,
		Qtype:      q.Qtype,
		Qclass:     q.Qclass,
		LocalAddr:  q.LocalAddr,
		RemoteAddr: q.RemoteAddr,
		TCP:        q.TCP,
	}

	if drop, delay := e.runResponseRules(*e.CacheHitRespRules.Get(), r); drop {
		q.SelfAnswer = nil
	} else if delay > q.DelayMsec {
		q.DelayMsec = delay
	}
}

// runResponseRules walks one response pipeline. Only the reduced outcome
// set is honored.
func (e *Engine) runResponseRules(list []*rules.ResponseRuleAction, r *dnsq.Response) (drop bool, delayMsec int) {
	for _, ra := range list {
		if !rules.MatchResponse(ra.Rule, r) {
			continue
		}

		ra.Matched()

		action, payload := ra.Action.Apply(r)
		switch action {
		case rules.ActionAllow:
			return false, delayMsec

		case rules.ActionDrop:
			return true, 0

		case rules.ActionDelay:
			if msec, err := strconv.Atoi(payload); err == nil {
				delayMsec = msec
			}

		case rules.ActionServFail:
			e.Stats.ServFailResponses.Add(1)
		}
	}

	return false, delayMsec
}

// ProcessResponse runs on the responder loops: it validates the released
// response, applies the response pipeline, feeds the cache and hands the
// answer to the waiting frontend through the slot's unit.
func (e *Engine) ProcessResponse(s *backend.Server, data backend.IDData, resp *dns.Msg) {
	unit, _ := data.Unit.(*replyUnit)

	msg, delayMsec, ok := e.finishResponse(data, resp)
	if !ok {
		if unit != nil {
			unit.Release()
		}

		return
	}

	if unit != nil {
		unit.Deliver(msg, delayMsec)
	}
}

// finishResponse is the shared tail of the response path: validation,
// response rules, cache insertion and client-visible fixups.
func (e *Engine) finishResponse(data backend.IDData, resp *dns.Msg) (*dns.Msg, int, bool) {
	if !resp.Response || len(resp.Question) == 0 {
		e.Stats.NonCompliantResponses.Add(1)
		return nil, 0, false
	}

	r := &dnsq.Response{
		Msg:        resp,
		Name:       data.Qname,
		Qtype:      data.Qtype,
		Qclass:     data.Qclass,
		LocalAddr:  data.OrigDest,
		RemoteAddr: data.OrigRemote,
	}

	drop, delayMsec := e.runResponseRules(*e.RespRules.Get(), r)
	if drop {
		return nil, 0, false
	}

	if delayMsec < data.DelayMsec {
		delayMsec = data.DelayMsec
	}

	e.Stats.Responses.Add(1)
	e.Stats.RecordLatency(data.SentTime.UDiff())

	// feed the pool cache before the client-only fixups
	e.cacheInsert(data, resp)

	resp.Id = data.OrigID
	util.RestoreFlags(&resp.MsgHdr, data.OrigFlags)
	stripAddedEDNS(resp, data.EDNSAdded, data.ECSAdded)

	return resp, delayMsec, true
}

func (e *Engine) cacheInsert(data backend.IDData, resp *dns.Msg) {
	if data.SkipCache {
		return
	}

	pool := e.GetPool(data.PoolName)
	if pool == nil || pool.Cache == nil {
		return
	}

	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return
	}

	key := data.CacheKey
	if data.UseZeroScope && zeroScope(resp) {
		// zero scope answers are valid for every subnet, key them
		// without the client prefix
		key = data.CacheKeyNoECS
	}

	pool.Cache.Insert(key, resp, time.Now())
}

// maintenance ages in-flight slots, probes backend health and cleans the
// caches and dynamic blocks.
func (e *Engine) maintenance() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastClean := time.Now()

	for {
		select {
		case <-e.done:
			return

		case now := <-ticker.C:
			for _, srv := range *e.Servers.Get() {
				if srv.Stopped() {
					continue
				}

				if reaped := srv.SweepSlots(e.UDPTimeout); reaped > 0 {
					e.Stats.DownstreamTimeouts.Add(uint64(reaped))
				}

				if srv.CheckDue(now) {
					if srv.ProbeResult(srv.CheckHealth()) {
						zlog.Info("Backend state changed", "server", srv.NameWithAddr(), "status", srv.Status())
					}
				}
			}

			if now.Sub(lastClean) >= cacheCleanInterval {
				lastClean = now
				e.clean(now)
			}
		}
	}
}

func (e *Engine) clean(now time.Time) {
	for _, pool := range *e.Pools.Get() {
		if pool.Cache != nil {
			pool.Cache.Expunge(now)
		}
	}

	if removed := e.DynBlocks.Purge(now); removed > 0 {
		zlog.Debug("Dynamic blocks purged", "removed", removed)
	}
}

func rulesFromConfig(list []config.Rule) ([]*rules.RuleAction, error) {
	out := make([]*rules.RuleAction, 0, len(list))

	for _, rc := range list {
		var parts []rules.Rule

		if rc.QType != "" {
			qtype, ok := dns.StringToType[rc.QType]
			if !ok {
				return nil, fmt.Errorf("rule %q: unknown qtype %q", rc.Name, rc.QType)
			}
			parts = append(parts, rules.QTypeRule{Qtype: qtype})
		}

		if len(rc.Suffixes) > 0 {
			parts = append(parts, rules.NewSuffixRule(rc.Suffixes...))
		}

		if len(rc.Netmasks) > 0 {
			parts = append(parts, rules.NewNetmaskRule(rc.Netmasks...))
		}

		if rc.MaxQPS > 0 {
			parts = append(parts, rules.NewMaxQPSRule(uint32(rc.MaxQPS)))
		}

		if rc.Probability > 0 {
			parts = append(parts, rules.ProbabilityRule{Probability: rc.Probability})
		}

		var rule rules.Rule
		switch len(parts) {
		case 0:
			rule = rules.AllRule{}
		case 1:
			rule = parts[0]
		default:
			rule = rules.AndRule{Rules: parts}
		}

		action, err := actionFromConfig(rc)
		if err != nil {
			return nil, err
		}

		out = append(out, rules.NewRuleAction(rule, action, rc.Name))
	}

	return out, nil
}

func actionFromConfig(rc config.Rule) (rules.QueryAction, error) {
	kind, ok := rules.ParseAction(rc.Action)
	if !ok {
		return nil, fmt.Errorf("rule %q: unknown action %q", rc.Name, rc.Action)
	}

	switch kind {
	case rules.ActionAllow:
		return rules.AllowAction{}, nil
	case rules.ActionDrop:
		return rules.DropAction{}, nil
	case rules.ActionNxdomain:
		return rules.RcodeAction{Rcode: dns.RcodeNameError}, nil
	case rules.ActionRefused:
		return rules.RcodeAction{Rcode: dns.RcodeRefused}, nil
	case rules.ActionServFail:
		return rules.RcodeAction{Rcode: dns.RcodeServerFailure}, nil
	case rules.ActionSpoof:
		return rules.NewSpoofAction(rc.Value...), nil
	case rules.ActionSpoofRaw:
		return rules.NewSpoofRawAction(rc.Value...)
	case rules.ActionTruncate:
		return rules.TruncateAction{}, nil
	case rules.ActionNoRecurse:
		return rules.NoRecurseAction{}, nil
	case rules.ActionPool:
		if len(rc.Value) != 1 {
			return nil, fmt.Errorf("rule %q: pool action needs one value", rc.Name)
		}
		return rules.PoolAction{Pool: rc.Value[0]}, nil
	case rules.ActionDelay:
		if len(rc.Value) != 1 {
			return nil, fmt.Errorf("rule %q: delay action needs one value", rc.Name)
		}
		msec, err := strconv.Atoi(rc.Value[0])
		if err != nil {
			return nil, fmt.Errorf("rule %q: delay %q: %w", rc.Name, rc.Value[0], err)
		}
		return rules.DelayAction{Msec: msec}, nil
	case rules.ActionNone, rules.ActionNoOp:
		return rules.NoneAction{}, nil
	}

	return nil, fmt.Errorf("rule %q: action %q not usable on the query path", rc.Name, rc.Action)
}
