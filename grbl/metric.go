package grbl

import (
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Metrics contains atomic counters for a session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// CommandSendCount indicates the number of command lines written.
	CommandSendCount atomic.Uint64
	// CommandRetryCount indicates the number of command attempts after the first.
	CommandRetryCount atomic.Uint64
	// CommandTimeoutCount indicates the number of attempts that got no reply.
	CommandTimeoutCount atomic.Uint64

	// LineRecvCount indicates the number of lines received.
	LineRecvCount atomic.Uint64
	OKCount       atomic.Uint64
	ErrorCount    atomic.Uint64
	AlarmCount    atomic.Uint64
	// AckDropCount indicates the number of replies dropped on a full ack channel.
	AckDropCount atomic.Uint64
	// StaleAckCount indicates the number of unclaimed replies discarded before a send.
	StaleAckCount atomic.Uint64

	StatusRequestCount atomic.Uint64
	ReadErrCount       atomic.Uint64
	WriteErrCount      atomic.Uint64

	HardClearCount atomic.Uint64
	// UnlockCount indicates the number of $X unlocks run to clear alarm 8 or 9.
	UnlockCount atomic.Uint64
	NudgeCount  atomic.Uint64
	// StreamLineCount indicates the number of file lines acknowledged with ok.
	StreamLineCount atomic.Uint64

	alarmCodes *xsync.MapOf[int, *xsync.Counter]
}

func newMetrics() *Metrics {
	return &Metrics{alarmCodes: xsync.NewMapOf[int, *xsync.Counter]()}
}

// AlarmCodeCounts returns the number of alarm replies seen per alarm code.
// Alarms without a readable code are counted under AlarmCodeUnknown.
func (m *Metrics) AlarmCodeCounts() map[int]int64 {
	counts := make(map[int]int64)
	m.alarmCodes.Range(func(code int, c *xsync.Counter) bool {
		counts[code] = c.Value()
		return true
	})

	return counts
}

// KeyValues returns the counters as logger key/value pairs.
func (m *Metrics) KeyValues() []any {
	kv := []any{
		"commands_sent", m.CommandSendCount.Load(),
		"command_retries", m.CommandRetryCount.Load(),
		"command_timeouts", m.CommandTimeoutCount.Load(),
		"lines_received", m.LineRecvCount.Load(),
		"ok", m.OKCount.Load(),
		"errors", m.ErrorCount.Load(),
		"alarms", m.AlarmCount.Load(),
		"acks_dropped", m.AckDropCount.Load(),
		"acks_stale", m.StaleAckCount.Load(),
		"status_requests", m.StatusRequestCount.Load(),
		"read_errors", m.ReadErrCount.Load(),
		"write_errors", m.WriteErrCount.Load(),
		"hard_clears", m.HardClearCount.Load(),
		"unlocks", m.UnlockCount.Load(),
		"nudges", m.NudgeCount.Load(),
		"stream_lines", m.StreamLineCount.Load(),
	}

	counts := m.AlarmCodeCounts()
	codes := make([]int, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	for _, code := range codes {
		kv = append(kv, "alarm_"+alarmKey(code), counts[code])
	}

	return kv
}

func alarmKey(code int) string {
	if code == AlarmCodeUnknown {
		return "unknown"
	}

	return strconv.Itoa(code)
}

func (m *Metrics) incCommandSendCount()    { m.CommandSendCount.Add(1) }
func (m *Metrics) incCommandRetryCount()   { m.CommandRetryCount.Add(1) }
func (m *Metrics) incCommandTimeoutCount() { m.CommandTimeoutCount.Add(1) }
func (m *Metrics) incLineRecvCount()       { m.LineRecvCount.Add(1) }
func (m *Metrics) incAckDropCount()        { m.AckDropCount.Add(1) }
func (m *Metrics) addStaleAckCount(n int)  { m.StaleAckCount.Add(uint64(n)) }
func (m *Metrics) incStatusRequestCount()  { m.StatusRequestCount.Add(1) }
func (m *Metrics) incReadErrCount()        { m.ReadErrCount.Add(1) }
func (m *Metrics) incWriteErrCount()       { m.WriteErrCount.Add(1) }
func (m *Metrics) incHardClearCount()      { m.HardClearCount.Add(1) }
func (m *Metrics) incUnlockCount()         { m.UnlockCount.Add(1) }
func (m *Metrics) incNudgeCount()          { m.NudgeCount.Add(1) }
func (m *Metrics) incStreamLineCount()     { m.StreamLineCount.Add(1) }

func (m *Metrics) countReply(r Reply) {
	switch r.Kind {
	case ReplyOK:
		m.OKCount.Add(1)
	case ReplyError:
		m.ErrorCount.Add(1)
	case ReplyAlarm:
		m.AlarmCount.Add(1)
		c, _ := m.alarmCodes.LoadOrCompute(r.Code, xsync.NewCounter)
		c.Inc()
	}
}
