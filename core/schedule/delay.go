package schedule

import (
	"time"

	"github.com/kabili207/meshcore-ota/core"
)

// ResponseDelay returns the delay before answering a command of process p.
// Multicast sessions draw uniformly from [ResponseDelayStart,
// ResponseDelayEnd] seconds at millisecond resolution so that devices which
// received the same multicast command do not answer at once. Unicast sessions
// use ResponseDelayStart as is.
func (s *Scheduler) ResponseDelay(p *core.Parameters) time.Duration {
	return s.RandomDelay(p.ResponseDelayStart, p.ResponseDelayEnd, p.Multicast)
}

// RandomDelay returns a delay in [start, end] seconds when randomize is set,
// or exactly start seconds otherwise.
func (s *Scheduler) RandomDelay(start, end uint16, randomize bool) time.Duration {
	base := time.Duration(start) * time.Second
	if !randomize || end <= start {
		return base
	}
	spanMs := int64(end-start) * 1000
	return base + time.Duration(s.randFn(spanMs+1))*time.Millisecond
}

// FallbackDelay returns the fallback timeout of p, or 0 when disabled.
func FallbackDelay(p *core.Parameters) time.Duration {
	return time.Duration(p.FallbackTimeout) * time.Hour
}

// ReportPeriod returns the download report period of p, or 0 when disabled.
func ReportPeriod(p *core.Parameters) time.Duration {
	return time.Duration(p.ReportPeriod) * time.Second
}

// FragmentInterval returns the pause between two fragments sent for p.
func FragmentInterval(p *core.Parameters) time.Duration {
	if p.Multicast {
		return time.Duration(p.FragmentIntervalMPL) * time.Millisecond
	}
	return time.Duration(p.FragmentIntervalUnicast) * time.Millisecond
}
