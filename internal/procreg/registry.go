// Package procreg locates the agent processes that belong to a room.
//
// Processes are tagged by their invocation: the room name follows --room and
// the role follows --role. A process is never tracked across restarts; every
// lookup re-reads the source of truth (the OS process table, or the handles
// this process spawned itself).
package procreg

import (
	"errors"
	"path/filepath"
	"strings"
)

// Role tags an agent process invocation.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleFallback Role = "fallback"
)

// Scope selects which roles a lookup or kill sweep applies to.
type Scope int

const (
	ScopeAll Scope = iota
	ScopePrimary
	ScopeFallback
)

func (s Scope) String() string {
	switch s {
	case ScopePrimary:
		return "primary"
	case ScopeFallback:
		return "fallback"
	default:
		return "all"
	}
}

// Includes reports whether role r falls under the scope.
func (s Scope) Includes(r Role) bool {
	switch s {
	case ScopePrimary:
		return r == RolePrimary
	case ScopeFallback:
		return r == RoleFallback
	default:
		return true
	}
}

const (
	RoomFlag = "--room"
	RoleFlag = "--role"
)

var ErrNotFound = errors.New("process not found")

// Process is one matched agent process.
type Process struct {
	PID  int
	Room string
	Role Role
	Args []string
}

// Status is a point-in-time liveness sample.
type Status struct {
	PID        int
	State      string
	CPUPercent float64
}

// Registry finds, inspects and kills agent processes.
type Registry interface {
	Find(room string, scope Scope) ([]Process, error)
	Kill(pid int) error
	Inspect(pid int) (Status, error)
}

// Tracker is implemented by registries that need to be told about children
// this process spawns (the held-handle registry).
type Tracker interface {
	Track(pid int, kill func() error, room string, role Role)
}

// ConnectArgs builds the invocation arguments for an agent process.
func ConnectArgs(room string, role Role) []string {
	return []string{"connect", RoomFlag, room, RoleFlag, string(role)}
}

// MatchInvocation is the matching predicate shared by every registry.
// argv[0] must name program (by basename) and --room must equal room.
func MatchInvocation(program string, argv []string, room string) (Role, bool) {
	if len(argv) == 0 || room == "" {
		return "", false
	}
	if program != "" && filepath.Base(argv[0]) != filepath.Base(program) {
		return "", false
	}
	if v, ok := flagValue(argv[1:], RoomFlag); !ok || v != room {
		return "", false
	}
	if v, _ := flagValue(argv[1:], RoleFlag); Role(v) == RoleFallback {
		return RoleFallback, true
	}
	return RolePrimary, true
}

func flagValue(args []string, name string) (string, bool) {
	for i, a := range args {
		if a == name {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", false
		}
		if strings.HasPrefix(a, name+"=") {
			return strings.TrimPrefix(a, name+"="), true
		}
	}
	return "", false
}
