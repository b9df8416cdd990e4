package model

import (
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Document Class
// --------------------------------------------------------------------------

// DocumentClass is the domain kind of a document.
type DocumentClass uint8

const (
	ClassUnknown DocumentClass = iota
	ClassTask
	ClassProject
	ClassCanvas
	ClassTimer
	ClassSettings
)

var documentClassNames = map[DocumentClass]string{
	ClassUnknown:  "Unknown",
	ClassTask:     "Task",
	ClassProject:  "Project",
	ClassCanvas:   "Canvas",
	ClassTimer:    "Timer",
	ClassSettings: "Settings",
}

// DocumentClasses lists all known classes (without ClassUnknown).
func DocumentClasses() []DocumentClass {
	return []DocumentClass{ClassTask, ClassProject, ClassCanvas, ClassTimer, ClassSettings}
}

func (c DocumentClass) String() string {
	if name, ok := documentClassNames[c]; ok {
		return name
	}
	return fmt.Sprintf("DocumentClass(%d)", uint8(c))
}

func (c DocumentClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *DocumentClass) UnmarshalText(b []byte) error {
	v, err := parseEnum("document class", string(b), documentClassNames)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseDocumentClass parses a class name (case-insensitive).
func ParseDocumentClass(s string) (DocumentClass, error) {
	return parseEnum("document class", s, documentClassNames)
}

// --------------------------------------------------------------------------
// Origin
// --------------------------------------------------------------------------

// Origin tells where a change came from. It is assigned once by the classifier
// and never re-evaluated downstream.
type Origin uint8

const (
	// OriginUnset only ever appears on raw events whose writer forgot to tag them.
	OriginUnset Origin = iota
	OriginLocal
	OriginCrossTab
	OriginRemotePull
)

var originNames = map[Origin]string{
	OriginUnset:      "Unset",
	OriginLocal:      "Local",
	OriginCrossTab:   "CrossTab",
	OriginRemotePull: "RemotePull",
}

func (o Origin) String() string {
	if name, ok := originNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Origin(%d)", uint8(o))
}

func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Origin) UnmarshalText(b []byte) error {
	v, err := parseEnum("origin", string(b), originNames)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// --------------------------------------------------------------------------
// Sync Target
// --------------------------------------------------------------------------

// SyncTarget is a logical synchronization destination. Each target owns its own
// debounce window and its own circuit breaker.
type SyncTarget uint8

const (
	TargetLocalPersist SyncTarget = iota + 1
	TargetCrossTabBroadcast
	TargetRemotePush
	TargetRemotePull
)

var syncTargetNames = map[SyncTarget]string{
	TargetLocalPersist:      "LocalPersist",
	TargetCrossTabBroadcast: "CrossTabBroadcast",
	TargetRemotePush:        "RemotePush",
	TargetRemotePull:        "RemotePull",
}

// SyncTargets lists all targets in a stable order.
func SyncTargets() []SyncTarget {
	return []SyncTarget{TargetLocalPersist, TargetCrossTabBroadcast, TargetRemotePush, TargetRemotePull}
}

// IsRemote reports whether the target talks to the replication transport.
func (t SyncTarget) IsRemote() bool {
	return t == TargetRemotePush || t == TargetRemotePull
}

func (t SyncTarget) String() string {
	if name, ok := syncTargetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("SyncTarget(%d)", uint8(t))
}

func (t SyncTarget) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *SyncTarget) UnmarshalText(b []byte) error {
	v, err := parseEnum("sync target", string(b), syncTargetNames)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func parseEnum[T comparable](kind, s string, names map[T]string) (T, error) {
	for v, name := range names {
		if strings.EqualFold(name, s) {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("invalid %s: %q", kind, s)
}
