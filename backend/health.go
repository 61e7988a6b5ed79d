package backend

import (
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

// IsUp returns the manual pin when one is set, otherwise the probed state.
func (s *Server) IsUp() bool {
	switch availability(s.avail.Load()) {
	case availDown:
		return false
	case availUp:
		return true
	}

	return s.upStatus.Load()
}

// SetUp pins the server up regardless of probes.
func (s *Server) SetUp() { s.avail.Store(int32(availUp)) }

// SetDown pins the server down regardless of probes.
func (s *Server) SetDown() { s.avail.Store(int32(availDown)) }

// SetAuto returns health control to the prober.
func (s *Server) SetAuto() { s.avail.Store(int32(availAuto)) }

// Status renders the health state the way operators expect: pinned states
// uppercase, probed states lowercase.
func (s *Server) Status() string {
	switch availability(s.avail.Load()) {
	case availUp:
		return "UP"
	case availDown:
		return "DOWN"
	}

	if s.upStatus.Load() {
		return "up"
	}

	return "down"
}

// CheckDue reports whether the probe interval elapsed since the last check.
func (s *Server) CheckDue(now time.Time) bool {
	return now.Sub(s.lastCheck) >= s.CheckInterval
}

// CheckHealth sends one synthetic probe query and reports success. A
// failure is a transport error, a mismatched answer, or an rcode other than
// NOERROR, NXDOMAIN and REFUSED; with MustResolve, any rcode other than
// NOERROR.
func (s *Server) CheckHealth() bool {
	s.lastCheck = time.Now()

	m := new(dns.Msg)
	m.SetQuestion(s.CheckName, s.CheckType)
	m.Question[0].Qclass = s.CheckClass
	m.RecursionDesired = true

	c := &dns.Client{Net: "udp", Timeout: s.CheckTimeout}

	resp, _, err := c.Exchange(m, s.Addr)
	if err != nil {
		return false
	}

	if resp.Id != m.Id || !resp.Response {
		return false
	}

	if s.MustResolve && resp.Rcode != dns.RcodeSuccess {
		return false
	}

	if !s.MustResolve && resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError && resp.Rcode != dns.RcodeRefused {
		return false
	}

	return true
}

// ProbeResult feeds one probe outcome into the consecutive counters and
// applies the up/down transition thresholds. It reports whether the probed
// state flipped.
func (s *Server) ProbeResult(ok bool) bool {
	if ok {
		s.checkFailures = 0

		if s.upStatus.Load() {
			return false
		}

		s.checkSuccesses++
		if s.checkSuccesses < s.MinRiseSuccesses {
			return false
		}

		s.checkSuccesses = 0
		s.upStatus.Store(true)
		zlog.Info("Backend up", "server", s.NameWithAddr())

		if s.ReconnectOnUp {
			if err := s.Reconnect(); err != nil {
				zlog.Warn("Backend reconnect on rise failed", "server", s.NameWithAddr(), "error", err.Error())
			}
		}

		return true
	}

	s.checkSuccesses = 0

	if !s.upStatus.Load() {
		return false
	}

	s.checkFailures++
	if s.checkFailures < s.MaxCheckFailures {
		return false
	}

	s.checkFailures = 0
	s.upStatus.Store(false)
	zlog.Warn("Backend down", "server", s.NameWithAddr())

	return true
}
