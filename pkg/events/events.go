// Package events defines the telemetry envelope shared by every pipeline
// stage and the frame codec that maps envelopes to ring-channel bytes.
package events

import "time"

// Kind discriminates the event union and selects the channel/table an event
// belongs to.
type Kind uint8

const (
	KindFilesystem Kind = iota + 1
	KindNetwork
	KindETW
	KindProcess
)

func (k Kind) String() string {
	switch k {
	case KindFilesystem:
		return "filesystem"
	case KindNetwork:
		return "network"
	case KindETW:
		return "etw"
	case KindProcess:
		return "process"
	default:
		return "unknown"
	}
}

// Table returns the destination store table for events of this kind.
func (k Kind) Table() string {
	switch k {
	case KindFilesystem:
		return "fs_events"
	case KindNetwork:
		return "network_events"
	case KindETW:
		return "etw_events"
	case KindProcess:
		return "process_events"
	default:
		return ""
	}
}

// Kinds lists every channel kind, one ring per entry.
var Kinds = []Kind{KindFilesystem, KindNetwork, KindETW, KindProcess}

// Event is the decoded envelope. Concrete types form a tagged union keyed by
// Kind; dispatch happens through one decode function per kind, not through
// inheritance.
type Event interface {
	Kind() Kind
	Time() time.Time
	Sensor() string
}

// FileOp enumerates filesystem operations observed by the minifilter.
type FileOp uint8

const (
	FileOpCreate FileOp = iota + 1
	FileOpWrite
	FileOpDelete
	FileOpRename
)

func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "create"
	case FileOpWrite:
		return "write"
	case FileOpDelete:
		return "delete"
	case FileOpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Direction of a network flow.
type Direction uint8

const (
	DirInbound Direction = iota + 1
	DirOutbound
)

func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// FileEvent is one filesystem operation.
type FileEvent struct {
	Timestamp time.Time
	SensorID  string
	Op        FileOp
	Path      string
	NewPath   string // only set for renames
	PID       uint32
	ExePath   string
	Size      uint64
	SHA256    []byte
	Result    bool
}

func (e FileEvent) Kind() Kind      { return KindFilesystem }
func (e FileEvent) Time() time.Time { return e.Timestamp }
func (e FileEvent) Sensor() string  { return e.SensorID }

// NetworkEvent is one observed flow, with the filter's verdict.
type NetworkEvent struct {
	Timestamp time.Time
	SensorID  string
	Direction Direction
	Protocol  string
	SrcIP     string
	SrcPort   uint16
	DstIP     string
	DstPort   uint16
	PID       uint32
	ExePath   string
	Bytes     uint64
	Blocked   bool
	RuleID    uint32
}

func (e NetworkEvent) Kind() Kind      { return KindNetwork }
func (e NetworkEvent) Time() time.Time { return e.Timestamp }
func (e NetworkEvent) Sensor() string  { return e.SensorID }

// EtwEvent wraps one ETW record with its structured payload as JSON text.
type EtwEvent struct {
	Timestamp    time.Time
	SensorID     string
	ProviderGUID string
	EventID      uint16
	Level        uint8
	PID          uint32
	TID          uint32
	Payload      string
}

func (e EtwEvent) Kind() Kind      { return KindETW }
func (e EtwEvent) Time() time.Time { return e.Timestamp }
func (e EtwEvent) Sensor() string  { return e.SensorID }

// ProcessEvent is a process create/exit notification from the kernel ring.
type ProcessEvent struct {
	Timestamp time.Time
	SensorID  string
	PID       uint32
	PPID      uint32
	ImagePath string
	Cmdline   string
}

func (e ProcessEvent) Kind() Kind      { return KindProcess }
func (e ProcessEvent) Time() time.Time { return e.Timestamp }
func (e ProcessEvent) Sensor() string  { return e.SensorID }
