// Package runtimeinfo reports Go runtime statistics of the process that
// runs the builtin host.
package runtimeinfo

import (
	"runtime"
	"time"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/scope"
	"github.com/rs/zerolog"
)

const (
	Name    = "runtime-info"
	Version = "1.0"
)

const (
	CommandGetInfo     uint32 = 1
	EventOnSample      uint32 = 2
	CommandSetSampling uint32 = 3
)

const (
	MsgRuntimeInfo uint32 = 1
	MsgSamplingArg uint32 = 2
)

// RuntimeInfo record positions.
const (
	InfoGoVersion = iota
	InfoOS
	InfoArch
	InfoCPUs
	InfoGoroutines
	InfoUptimeMs
	InfoHeapAlloc
	InfoGCCycles
)

// MinInterval bounds how often samples may be emitted.
const MinInterval = 100 * time.Millisecond

var messages = schema.MustSet(
	&schema.Message{ID: MsgRuntimeInfo, Name: "RuntimeInfo", Fields: []schema.Field{
		{Name: "goVersion", Number: 1, Kind: schema.KindString},
		{Name: "os", Number: 2, Kind: schema.KindString},
		{Name: "arch", Number: 3, Kind: schema.KindString},
		{Name: "cpus", Number: 4, Kind: schema.KindUint32},
		{Name: "goroutines", Number: 5, Kind: schema.KindUint32},
		{Name: "uptimeMs", Number: 6, Kind: schema.KindUint64},
		{Name: "heapAllocBytes", Number: 7, Kind: schema.KindUint64},
		{Name: "gcCycles", Number: 8, Kind: schema.KindUint32},
	}},
	&schema.Message{ID: MsgSamplingArg, Name: "SamplingArg", Fields: []schema.Field{
		{Name: "intervalMs", Number: 1, Kind: schema.KindUint32},
	}},
)

func Descriptor() *schema.Service {
	return &schema.Service{
		Name:    Name,
		Version: Version,
		Commands: []protocol.CommandDescriptor{
			schema.Call("GetInfo", CommandGetInfo, schema.DefaultMessageID, MsgRuntimeInfo),
			schema.Event("OnSample", EventOnSample, MsgRuntimeInfo),
			schema.Call("SetSampling", CommandSetSampling, MsgSamplingArg, schema.DefaultMessageID),
		},
		Messages: messages,
	}
}

// Options configures the service.
type Options struct {
	// Interval emits OnSample events while the service is enabled. Zero
	// turns sampling off.
	Interval time.Duration
	// Now is the clock used for uptime. Defaults to time.Now.
	Now func() time.Time
}

// Service answers runtime queries.
type Service struct {
	scope.ServiceBase
	rt       *loop.Runtime
	opts     Options
	started  time.Time
	stop     func() bool
	gen      uint64
	interval time.Duration
	log      zerolog.Logger
}

func New(rt *loop.Runtime, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interval > 0 && opts.Interval < MinInterval {
		opts.Interval = MinInterval
	}
	return &Service{
		ServiceBase: scope.NewServiceBase(Descriptor(), scope.ControlManual),
		rt:          rt,
		opts:        opts,
		started:     opts.Now(),
		interval:    opts.Interval,
		log:         logging.Component("service.runtime_info"),
	}
}

// Snapshot collects the current statistics.
func (s *Service) Snapshot() schema.Record {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return schema.Record{
		runtime.Version(),
		runtime.GOOS,
		runtime.GOARCH,
		uint64(runtime.NumCPU()),
		uint64(runtime.NumGoroutine()),
		uint64(s.opts.Now().Sub(s.started).Milliseconds()),
		mem.HeapAlloc,
		uint64(mem.NumGC),
	}
}

func (s *Service) HandleCall(call *scope.Call) (schema.Record, error) {
	switch call.Command.Number {
	case CommandGetInfo:
		return s.Snapshot(), nil
	case CommandSetSampling:
		d := time.Duration(call.Args.Uint(0)) * time.Millisecond
		if d > 0 && d < MinInterval {
			return nil, protocol.Errorf(protocol.StatusBadRequest, "runtime-info: interval below %s", MinInterval)
		}
		s.interval = d
		s.schedule()
		return schema.Record{}, nil
	default:
		return nil, protocol.Errorf(protocol.StatusCommandNotFound, "runtime-info: command %d", call.Command.Number)
	}
}

func (s *Service) OnEnable() error {
	s.interval = s.opts.Interval
	s.schedule()
	return nil
}

func (s *Service) OnDisable() {
	s.cancel()
}

// Sampling reports whether a sample timer is armed.
func (s *Service) Sampling() bool {
	return s.stop != nil
}

func (s *Service) schedule() {
	s.cancel()
	if s.interval <= 0 {
		return
	}
	gen := s.gen
	s.stop = s.rt.AfterFunc(s.interval, func() {
		if gen == s.gen {
			s.sample()
		}
	})
}

// cancel stops the armed timer. A tick already posted to the loop is
// ignored through the generation check.
func (s *Service) cancel() {
	s.gen++
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

func (s *Service) sample() {
	s.stop = nil
	if !s.IsEnabled() {
		return
	}
	if err := s.SendEvent(EventOnSample, s.Snapshot()); err != nil {
		s.log.Debug().Err(err).Msg("sample dropped")
	}
	s.schedule()
}
