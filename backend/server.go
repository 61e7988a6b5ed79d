package backend

import (
	"fmt"
	"math"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/dnsgate/dnsgate/limiter"
	"github.com/dnsgate/dnsgate/util"
)

// DefaultMaxOutstanding is the in-flight table capacity when none is
// configured. The outgoing transaction id doubles as the slot index, so the
// capacity can never exceed 65536.
const DefaultMaxOutstanding = 65536

// ResponseHandler receives validated backend responses together with the
// released correlation data.
type ResponseHandler func(s *Server, data IDData, resp *dns.Msg)

// Config describes one downstream server.
type Config struct {
	Name       string
	Addr       string
	SourceAddr string
	Sockets    int

	QPS   uint32
	Burst uint32

	Order  int
	Weight int
	Pools  []string

	MaxOutstanding int

	CheckName        string
	CheckType        uint16
	CheckInterval    time.Duration
	CheckTimeout     time.Duration
	MaxCheckFailures int
	MinRiseSuccesses int
	MustResolve      bool
	ReconnectOnUp    bool

	UseECS     bool
	TCPTimeout time.Duration
}

type availability int32

const (
	availAuto availability = iota
	availUp
	availDown
)

// Server is one persistent downstream resolver.
type Server struct {
	ID   uuid.UUID
	Name string
	Addr string

	sourceAddr string
	numSockets int

	mu      sync.RWMutex
	sockets []*net.UDPConn

	QPS *limiter.QPS

	slots    []IDState
	idOffset atomic.Uint64

	order  atomic.Int32
	weight atomic.Int32

	hashMu sync.Mutex
	hashes []uint64

	Pools map[string]struct{}

	UseECS     bool
	TCPTimeout time.Duration

	CheckName        string
	CheckType        uint16
	CheckClass       uint16
	CheckInterval    time.Duration
	CheckTimeout     time.Duration
	MaxCheckFailures int
	MinRiseSuccesses int
	MustResolve      bool
	ReconnectOnUp    bool

	// health loop state, touched only by the health checker
	lastCheck      time.Time
	checkFailures  int
	checkSuccesses int

	avail    atomic.Int32
	upStatus atomic.Bool

	Queries    atomic.Uint64
	Responses  atomic.Uint64
	SendErrors atomic.Uint64
	Reuseds    atomic.Uint64
	Timeouts   atomic.Uint64
	Drops      atomic.Uint64

	outstanding atomic.Int64
	latencyBits atomic.Uint64

	connected atomic.Bool
	stopped   atomic.Bool

	// OnResponse must be set before Start.
	OnResponse ResponseHandler
}

// New builds a server from cfg without touching the network, Start opens
// the sockets.
func New(cfg Config) (*Server, error) {
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, fmt.Errorf("backend address %q: %w", cfg.Addr, err)
	}

	capacity := cfg.MaxOutstanding
	if capacity <= 0 || capacity > DefaultMaxOutstanding {
		capacity = DefaultMaxOutstanding
	}

	sockets := cfg.Sockets
	if sockets < 1 {
		sockets = 1
	}

	weight := cfg.Weight
	if weight < 1 {
		weight = 1
	}

	checkName := cfg.CheckName
	if checkName == "" {
		checkName = "a.root-servers.net."
	}

	checkType := cfg.CheckType
	if checkType == 0 {
		checkType = dns.TypeA
	}

	s := &Server{
		ID:         uuid.New(),
		Name:       cfg.Name,
		Addr:       cfg.Addr,
		sourceAddr: cfg.SourceAddr,
		numSockets: sockets,

		QPS: limiter.New(cfg.QPS, cfg.Burst),

		slots: make([]IDState, capacity),

		Pools: make(map[string]struct{}),

		UseECS:     cfg.UseECS,
		TCPTimeout: defDuration(cfg.TCPTimeout, 30*time.Second),

		CheckName:        util.CanonicalName(checkName),
		CheckType:        checkType,
		CheckClass:       dns.ClassINET,
		CheckInterval:    defDuration(cfg.CheckInterval, time.Second),
		CheckTimeout:     defDuration(cfg.CheckTimeout, time.Second),
		MaxCheckFailures: defInt(cfg.MaxCheckFailures, 1),
		MinRiseSuccesses: defInt(cfg.MinRiseSuccesses, 1),
		MustResolve:      cfg.MustResolve,
		ReconnectOnUp:    cfg.ReconnectOnUp,
	}

	for i := range s.slots {
		s.slots[i].usage.Store(UnusedIndicator)
	}

	s.order.Store(int32(cfg.Order))
	s.weight.Store(int32(weight))

	for _, pool := range cfg.Pools {
		s.Pools[pool] = struct{}{}
	}

	s.Hash()

	return s, nil
}

func defDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func defInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NameWithAddr identifies the server in logs.
func (s *Server) NameWithAddr() string {
	if s.Name == "" {
		return s.Addr
	}

	return s.Name + " (" + s.Addr + ")"
}

// Start opens the UDP sockets and launches the responder loops.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openSocketsLocked(); err != nil {
		return err
	}

	s.connected.Store(true)

	return nil
}

func (s *Server) openSocketsLocked() error {
	raddr, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return err
	}

	var laddr *net.UDPAddr
	if s.sourceAddr != "" {
		laddr = &net.UDPAddr{IP: net.ParseIP(s.sourceAddr)}
		if laddr.IP == nil {
			return fmt.Errorf("backend source address %q invalid", s.sourceAddr)
		}
	}

	sockets := make([]*net.UDPConn, 0, s.numSockets)
	for i := 0; i < s.numSockets; i++ {
		conn, err := net.DialUDP("udp", laddr, raddr)
		if err != nil {
			for _, c := range sockets {
				c.Close()
			}
			return fmt.Errorf("backend %s socket: %w", s.NameWithAddr(), err)
		}
		sockets = append(sockets, conn)
	}

	s.sockets = sockets

	for _, conn := range sockets {
		go s.responder(conn)
	}

	return nil
}

// Reconnect closes the sockets and opens fresh ones. The dead responder
// loops exit on their read error, new ones start with the new sockets.
func (s *Server) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.sockets {
		conn.Close()
	}
	s.sockets = nil

	if s.stopped.Load() {
		return nil
	}

	zlog.Info("Backend reconnecting", "server", s.NameWithAddr())

	return s.openSocketsLocked()
}

// Stop shuts the server down and forcibly releases every in-flight slot.
func (s *Server) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	for _, conn := range s.sockets {
		conn.Close()
	}
	s.sockets = nil
	s.mu.Unlock()

	s.connected.Store(false)

	for i := range s.slots {
		ids := &s.slots[i]
		usage := ids.Usage()
		if usage == UnusedIndicator {
			continue
		}

		data := ids.Data
		if ids.TryMarkUnused(usage) {
			s.outstanding.Add(-1)
			if data.Unit != nil {
				data.Unit.Release()
			}
		}
	}
}

// Stopped reports whether Stop ran.
func (s *Server) Stopped() bool { return s.stopped.Load() }

// Connected reports whether the sockets are open.
func (s *Server) Connected() bool { return s.connected.Load() }

// NextSlot advances the round-robin cursor and returns the slot index the
// next query should use.
func (s *Server) NextSlot() uint16 {
	return uint16((s.idOffset.Add(1) - 1) % uint64(len(s.slots)))
}

// SlotCount returns the in-flight table capacity.
func (s *Server) SlotCount() int { return len(s.slots) }

// Slot returns the slot at idx for inspection.
func (s *Server) Slot(idx uint16) *IDState { return &s.slots[idx] }

// FillSlot writes data into slot idx and publishes it under a fresh
// generation. It returns the published indicator, which the caller needs to
// release the slot on a send failure, and whether a stale entry was
// displaced; on a displacement the outstanding count is untouched and the
// displaced unit is released.
func (s *Server) FillSlot(idx uint16, data IDData) (usage int64, reused bool) {
	ids := &s.slots[idx]

	old := ids.Data
	ids.Data = data

	usage, prev := ids.publish()
	if prev != UnusedIndicator {
		s.Reuseds.Add(1)
		if old.Unit != nil {
			old.Unit.Release()
		}

		return usage, true
	}

	s.outstanding.Add(1)

	return usage, false
}

// ReleaseSlot frees a slot the caller just filled, used when the forward
// failed. The unit is not released, the caller still owns it.
func (s *Server) ReleaseSlot(idx uint16, usage int64) bool {
	if s.slots[idx].TryMarkUnused(usage) {
		s.outstanding.Add(-1)
		return true
	}

	return false
}

// Send writes one packet to the backend over a randomly picked socket.
func (s *Server) Send(packet []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.sockets) == 0 {
		return net.ErrClosed
	}

	conn := s.sockets[rand.Intn(len(s.sockets))]

	_, err := conn.Write(packet)
	if err != nil {
		s.SendErrors.Add(1)
	}

	return err
}

// IncQueries counts one forwarded query.
func (s *Server) IncQueries() {
	s.Queries.Add(1)
}

// responder reads backend answers from one socket until the socket dies.
func (s *Server) responder(conn *net.UDPConn) {
	buf := make([]byte, util.MaxTCPPayload)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !s.stopped.Load() {
				zlog.Debug("Backend responder exiting", "server", s.NameWithAddr(), "error", err.Error())
			}
			return
		}

		if n < 12 {
			s.Drops.Add(1)
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		s.handleResponse(packet)
	}
}

// handleResponse correlates one backend answer with its slot and, when the
// compare-and-swap release succeeds, hands it to the engine.
func (s *Server) handleResponse(packet []byte) {
	resp := new(dns.Msg)
	if err := resp.Unpack(packet); err != nil {
		s.Drops.Add(1)
		return
	}

	if !resp.Response || len(resp.Question) == 0 {
		s.Drops.Add(1)
		return
	}

	idx := resp.Id
	if int(idx) >= len(s.slots) {
		s.Drops.Add(1)
		return
	}

	ids := &s.slots[idx]

	usage := ids.Usage()
	if usage == UnusedIndicator {
		s.Drops.Add(1)
		return
	}

	// copy the correlation data before the release, the slot may be
	// reused the moment the CAS succeeds
	data := ids.Data

	q := resp.Question[0]
	if util.CanonicalName(q.Name) != data.Qname || q.Qtype != data.Qtype || q.Qclass != data.Qclass {
		s.Drops.Add(1)
		return
	}

	if !ids.TryMarkUnused(usage) {
		// the slot was reused for a newer query while we were reading
		s.Drops.Add(1)
		return
	}

	s.outstanding.Add(-1)
	s.Responses.Add(1)
	s.ObserveLatency(data.SentTime.UDiff())

	if s.OnResponse != nil {
		s.OnResponse(s, data, resp)
	}
}

// SweepSlots forcibly releases slots whose query outlived timeout and
// returns how many were reaped.
func (s *Server) SweepSlots(timeout time.Duration) int {
	reaped := 0
	limit := float64(timeout) / float64(time.Microsecond)

	for i := range s.slots {
		ids := &s.slots[i]

		usage := ids.Usage()
		if usage == UnusedIndicator {
			continue
		}

		data := ids.Data
		if data.SentTime.UDiff() < limit {
			continue
		}

		if ids.TryMarkUnused(usage) {
			s.outstanding.Add(-1)
			s.Timeouts.Add(1)
			reaped++

			if data.Unit != nil {
				data.Unit.Release()
			}
		}
	}

	return reaped
}

// Outstanding returns the number of in-flight queries.
func (s *Server) Outstanding() int64 { return s.outstanding.Load() }

// LatencyUsec returns the smoothed response latency in microseconds.
func (s *Server) LatencyUsec() float64 {
	return math.Float64frombits(s.latencyBits.Load())
}

// ObserveLatency feeds one response latency into the smoothed value.
func (s *Server) ObserveLatency(usec float64) {
	for {
		old := s.latencyBits.Load()
		lat := math.Float64frombits(old)
		next := math.Float64bits((lat*127 + usec) / 128)
		if s.latencyBits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Order returns the pool ordering rank.
func (s *Server) Order() int { return int(s.order.Load()) }

// SetOrder updates the rank, pools containing the server must be resorted.
func (s *Server) SetOrder(order int) { s.order.Store(int32(order)) }

// Weight returns the policy weight.
func (s *Server) Weight() int { return int(s.weight.Load()) }

// SetWeight updates the weight and recomputes the hash ring positions.
func (s *Server) SetWeight(w int) {
	if w < 1 {
		w = 1
	}

	s.weight.Store(int32(w))
	s.Hash()
}

// Hash recomputes this server's consistent-hash ring positions from its
// weight.
func (s *Server) Hash() {
	w := s.Weight()

	hashes := make([]uint64, 0, w)
	for i := 0; i < w; i++ {
		hashes = append(hashes, xxhash.Sum64String(fmt.Sprintf("%s-%d", s.NameWithAddr(), i)))
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	s.hashMu.Lock()
	s.hashes = hashes
	s.hashMu.Unlock()
}

// Hashes returns the ring positions.
func (s *Server) Hashes() []uint64 {
	s.hashMu.Lock()
	defer s.hashMu.Unlock()

	return s.hashes
}
