// Package sensorcfg holds the sensor configuration control plane: one
// current record per sensor kind, an append-only audit trail of every
// change, and the HTTP facade the GUI/control plane talks to.
package sensorcfg

import (
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the five configurable sensors. The set is fixed at
// compile time; the store holds exactly one current row per kind.
type Kind string

const (
	KindScanner    Kind = "scanner"
	KindProcess    Kind = "process"
	KindFilesystem Kind = "filesystem"
	KindNetwork    Kind = "network"
	KindETW        Kind = "etw"
)

// Kinds lists every sensor kind in a stable order.
var Kinds = []Kind{KindScanner, KindProcess, KindFilesystem, KindNetwork, KindETW}

// ScannerConfig tunes the on-demand file scanner.
type ScannerConfig struct {
	Enabled         bool     `json:"enabled"`
	IntervalSeconds uint32   `json:"interval_seconds"`
	Recursive       bool     `json:"recursive"`
	FileExtensions  string   `json:"file_extensions"` // comma-separated, e.g. ".exe,.dll"
	Paths           []string `json:"paths"`
}

// ProcessConfig toggles the process-notification hooks.
type ProcessConfig struct {
	Enabled             bool `json:"enabled"`
	HookCreation        bool `json:"hook_creation"`
	HookTermination     bool `json:"hook_termination"`
	DetectRemoteThreads bool `json:"detect_remote_threads"`
}

// FilesystemConfig tunes the minifilter.
type FilesystemConfig struct {
	Enabled       bool     `json:"enabled"`
	FilterMask    uint32   `json:"filter_mask"` // bitmask of observed operations
	PathAllowlist []string `json:"path_allowlist"`
	PathDenylist  []string `json:"path_denylist"`
}

// NetworkConfig tunes the flow filter.
type NetworkConfig struct {
	Enabled     bool     `json:"enabled"`
	InspectDNS  bool     `json:"inspect_dns"`
	PortInclude []uint16 `json:"port_include"`
	PortExclude []uint16 `json:"port_exclude"`
}

// EtwConfig tunes the ETW sessions.
type EtwConfig struct {
	Enabled     bool     `json:"enabled"`
	Level       uint8    `json:"level"` // 1 (critical) .. 5 (verbose)
	KeywordMask uint64   `json:"keyword_mask"`
	Providers   []string `json:"providers"`
}

// Snapshot is the consistent view of all five current configurations.
type Snapshot struct {
	Scanner    ScannerConfig    `json:"scanner"`
	Process    ProcessConfig    `json:"process"`
	Filesystem FilesystemConfig `json:"filesystem"`
	Network    NetworkConfig    `json:"network"`
	Etw        EtwConfig        `json:"etw"`
}

// Update carries any subset of the five configurations; nil sections are
// left untouched. The whole update applies atomically or not at all.
type Update struct {
	Scanner    *ScannerConfig    `json:"scanner,omitempty"`
	Process    *ProcessConfig    `json:"process,omitempty"`
	Filesystem *FilesystemConfig `json:"filesystem,omitempty"`
	Network    *NetworkConfig    `json:"network,omitempty"`
	Etw        *EtwConfig        `json:"etw,omitempty"`
}

// AuditEntry is one immutable record of a configuration change.
type AuditEntry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"ts"`
	Actor     string    `json:"actor"`
	OldConfig string    `json:"old_config"`
	NewConfig string    `json:"new_config"`
}

var (
	// ErrInvalid wraps every validation failure so callers can map it to a
	// client error without inspecting messages.
	ErrInvalid = errors.New("sensorcfg: invalid update")
	// ErrEmptyUpdate rejects updates carrying no configuration at all.
	ErrEmptyUpdate = fmt.Errorf("%w: no configuration present", ErrInvalid)
)

// Validate performs the structural checks the service applies before any
// write. A failed validation aborts the whole update.
func (u *Update) Validate() error {
	if u.Scanner == nil && u.Process == nil && u.Filesystem == nil && u.Network == nil && u.Etw == nil {
		return ErrEmptyUpdate
	}
	if s := u.Scanner; s != nil {
		if s.Enabled && s.IntervalSeconds == 0 {
			return fmt.Errorf("%w: scanner enabled with zero interval", ErrInvalid)
		}
		for _, p := range s.Paths {
			if p == "" {
				return fmt.Errorf("%w: scanner path must not be empty", ErrInvalid)
			}
		}
	}
	if f := u.Filesystem; f != nil {
		for _, p := range append(append([]string{}, f.PathAllowlist...), f.PathDenylist...) {
			if p == "" {
				return fmt.Errorf("%w: filesystem path must not be empty", ErrInvalid)
			}
		}
	}
	if n := u.Network; n != nil {
		for _, p := range append(append([]uint16{}, n.PortInclude...), n.PortExclude...) {
			if p == 0 {
				return fmt.Errorf("%w: port 0 is not a valid filter entry", ErrInvalid)
			}
		}
	}
	if e := u.Etw; e != nil {
		if e.Level < 1 || e.Level > 5 {
			return fmt.Errorf("%w: etw level %d out of range 1-5", ErrInvalid, e.Level)
		}
		for _, p := range e.Providers {
			if p == "" {
				return fmt.Errorf("%w: etw provider must not be empty", ErrInvalid)
			}
		}
	}
	return nil
}

// Defaults is the configuration seeded on first startup.
func Defaults() Snapshot {
	return Snapshot{
		Scanner: ScannerConfig{
			Enabled:         false,
			IntervalSeconds: 3600,
			Recursive:       true,
			FileExtensions:  ".exe,.dll,.sys,.ps1,.bat,.vbs",
		},
		Process: ProcessConfig{
			Enabled:             true,
			HookCreation:        true,
			HookTermination:     true,
			DetectRemoteThreads: true,
		},
		Filesystem: FilesystemConfig{
			Enabled:    true,
			FilterMask: 0x0F, // create|write|delete|rename
		},
		Network: NetworkConfig{
			Enabled:    true,
			InspectDNS: true,
		},
		Etw: EtwConfig{
			Enabled:     true,
			Level:       4,
			KeywordMask: 0,
		},
	}
}
