// Package wire implements the Scheduler<->Worker RPC message set and its
// length-prefixed framing (spec.md §6), grounded in original_source's
// scheduler-worker-rpc/src/lib.rs enum shapes and in the teacher's
// internal/protocol/frame.go fixed-header framing style.
package wire

import (
	"encoding/json"

	"github.com/botloader/scheduler/internal/coretypes"
)

// SchedulerMessageKind tags the inbound-to-worker message variants.
type SchedulerMessageKind uint8

const (
	KindDispatch SchedulerMessageKind = iota + 1
	KindCreateScriptsVm
	KindComplete
	KindShutdown
)

// SchedulerMessage is sent scheduler -> worker.
type SchedulerMessage struct {
	Kind     SchedulerMessageKind
	Dispatch *VmDispatchEvent    `json:",omitempty"`
	Create   *CreateScriptsVmReq `json:",omitempty"`
}

// GuildID mirrors original_source's SchedulerMessage::guild_id(): only
// CreateScriptsVm carries a guild ID at the message level (Dispatch,
// Complete, and Shutdown are scoped to a connection already bound to one
// tenant's worker process).
func (m SchedulerMessage) GuildID() (coretypes.GuildID, bool) {
	if m.Kind == KindCreateScriptsVm && m.Create != nil {
		return m.Create.GuildID, true
	}
	return 0, false
}

// SpanName mirrors original_source's SchedulerMessage::span_name(), used
// here as the Prometheus/log label for this message kind.
func (m SchedulerMessage) SpanName() string {
	switch m.Kind {
	case KindDispatch:
		return "SchedulerMessage::Dispatch"
	case KindCreateScriptsVm:
		return "SchedulerMessage::CreateScriptsVm"
	case KindComplete:
		return "SchedulerMessage::Complete"
	case KindShutdown:
		return "SchedulerMessage::Shutdown"
	default:
		return "SchedulerMessage::Unknown"
	}
}

// VmDispatchEvent carries one DispatchEvent down to the worker's VM.
type VmDispatchEvent struct {
	Name  string
	Seq   uint64
	Value json.RawMessage
}

// CreateScriptsVmReq tells the worker to tear down its current VM and
// start fresh with a new script set.
type CreateScriptsVmReq struct {
	Seq         uint64
	PremiumTier coretypes.PremiumTier
	GuildID     coretypes.GuildID
	Scripts     []coretypes.Script
}

// NewDispatch builds a KindDispatch SchedulerMessage.
func NewDispatch(name string, seq uint64, value json.RawMessage) SchedulerMessage {
	return SchedulerMessage{Kind: KindDispatch, Dispatch: &VmDispatchEvent{Name: name, Seq: seq, Value: value}}
}

// NewCreateScriptsVm builds a KindCreateScriptsVm SchedulerMessage.
func NewCreateScriptsVm(req CreateScriptsVmReq) SchedulerMessage {
	return SchedulerMessage{Kind: KindCreateScriptsVm, Create: &req}
}

// NewComplete builds a KindComplete SchedulerMessage.
func NewComplete() SchedulerMessage { return SchedulerMessage{Kind: KindComplete} }

// NewShutdownMsg builds a KindShutdown SchedulerMessage.
func NewShutdownMsg() SchedulerMessage { return SchedulerMessage{Kind: KindShutdown} }

// WorkerMessageKind tags the outbound-from-worker message variants.
type WorkerMessageKind uint8

const (
	KindAck WorkerMessageKind = iota + 1
	KindWorkerShutdown
	KindScriptStarted
	KindScriptsInit
	KindNonePending
	KindTaskScheduled
	KindGuildLog
	KindHello
	KindMetric
)

// ShutdownReason is the closed set of reasons a worker self-terminates
// (spec.md §6).
type ShutdownReason int

const (
	ShutdownRunaway ShutdownReason = iota
	ShutdownOutOfMemory
	ShutdownOther
	ShutdownTooManyInvalidRequests
)

func (r ShutdownReason) ToSuspendReason() coretypes.SuspendReason {
	switch r {
	case ShutdownRunaway:
		return coretypes.ReasonRunaway
	case ShutdownOutOfMemory:
		return coretypes.ReasonOutOfMemory
	case ShutdownTooManyInvalidRequests:
		return coretypes.ReasonTooManyInvalidRequests
	default:
		return coretypes.ReasonOther
	}
}

// MetricEventKind tags Gauge vs Counter metric updates.
type MetricEventKind uint8

const (
	MetricGauge MetricEventKind = iota
	MetricCounter
)

// GaugeOp is Set|Incr for a gauge update.
type GaugeOp uint8

const (
	GaugeSet GaugeOp = iota
	GaugeIncr
)

// CounterOp is Incr|Absolute for a counter update.
type CounterOp uint8

const (
	CounterIncr CounterOp = iota
	CounterAbsolute
)

// MetricEvent is one Gauge or Counter update carried by WorkerMessage.
type MetricEvent struct {
	Kind       MetricEventKind
	GaugeOp    GaugeOp
	GaugeValue float64
	CounterOp  CounterOp
	CounterVal uint64
}

// ScriptMeta is progress metadata reported by ScriptStarted.
type ScriptMeta struct {
	ScriptID uint64
	Name     string
}

// LogEntry is one script-visible log line (forwarded to the external log
// sink per spec.md §4.3).
type LogEntry struct {
	Level   string
	Message string
}

// WorkerMessage is sent worker -> scheduler.
type WorkerMessage struct {
	Kind WorkerMessageKind

	AckSeq         uint64            `json:",omitempty"`
	HelloSeq       uint64            `json:",omitempty"`
	ShutdownReason ShutdownReason    `json:",omitempty"`
	ScriptMeta     *ScriptMeta       `json:",omitempty"`
	Log            *LogEntry         `json:",omitempty"`
	MetricName     string            `json:",omitempty"`
	Metric         *MetricEvent      `json:",omitempty"`
	MetricLabels   map[string]string `json:",omitempty"`
}

// Name mirrors original_source's WorkerMessage::name(), used as the
// Prometheus/log label for this message kind.
func (m WorkerMessage) Name() string {
	switch m.Kind {
	case KindAck:
		return "Ack"
	case KindWorkerShutdown:
		return "Shutdown"
	case KindScriptStarted:
		return "ScriptStarted"
	case KindScriptsInit:
		return "ScriptsInit"
	case KindNonePending:
		return "NonePending"
	case KindTaskScheduled:
		return "TaskScheduled"
	case KindGuildLog:
		return "GuildLog"
	case KindHello:
		return "Hello"
	case KindMetric:
		return "Metric"
	default:
		return "Unknown"
	}
}

func NewAck(seq uint64) WorkerMessage          { return WorkerMessage{Kind: KindAck, AckSeq: seq} }
func NewHello(seq uint64) WorkerMessage        { return WorkerMessage{Kind: KindHello, HelloSeq: seq} }
func NewScriptsInit() WorkerMessage            { return WorkerMessage{Kind: KindScriptsInit} }
func NewNonePending() WorkerMessage            { return WorkerMessage{Kind: KindNonePending} }
func NewTaskScheduled() WorkerMessage          { return WorkerMessage{Kind: KindTaskScheduled} }
func NewWorkerShutdown(r ShutdownReason) WorkerMessage {
	return WorkerMessage{Kind: KindWorkerShutdown, ShutdownReason: r}
}
func NewScriptStarted(meta ScriptMeta) WorkerMessage {
	return WorkerMessage{Kind: KindScriptStarted, ScriptMeta: &meta}
}
func NewGuildLog(level, message string) WorkerMessage {
	return WorkerMessage{Kind: KindGuildLog, Log: &LogEntry{Level: level, Message: message}}
}
