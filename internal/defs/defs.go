// Package defs holds the types and constants shared by every layer of the
// kernel core: error codes, memory protection/flag bitsets, the page-fault
// cause bitmask, and process exit statuses. Grounded on biscuit's
// src/defs package, which plays the same "small shared vocabulary" role.
package defs

// Err_t is a kernel error code: zero on success, a negative E-constant on
// failure. Internal helpers return either a valid handle/count or a
// negative Err_t; callers must check before touching any "out" parameter.
type Err_t int

// Error kinds. Not exhaustive, but covers every failure this core reports.
const (
	EINVAL        Err_t = 1  /// invalid argument
	EACCES        Err_t = 2  /// permission denied
	ENOENT        Err_t = 3  /// no such entity
	EEXIST        Err_t = 4  /// already exists
	ENOTDIR       Err_t = 5  /// not a directory
	EISDIR        Err_t = 6  /// is a directory
	EMLINK        Err_t = 7  /// too many links
	ENAMETOOLONG  Err_t = 8  /// name too long
	ENOSPC        Err_t = 9  /// no space left
	ENOMEM        Err_t = 10 /// out of memory
	EBADF         Err_t = 11 /// bad file descriptor
	EMFILE        Err_t = 12 /// too many open files
	ECHILD        Err_t = 13 /// no child processes
	EFAULT        Err_t = 14 /// access fault
	ENOHEAP       Err_t = 15 /// kernel heap exhausted while servicing a user request
	ESRCH         Err_t = 16 /// no such process
)

// Error implements the error interface so an Err_t can be surfaced through
// Go's normal error plumbing at package boundaries (e.g. cmd/weenixctl).
func (e Err_t) Error() string {
	if e == 0 {
		return "success"
	}
	if e < 0 {
		e = -e
	}
	if s, ok := errnames[e]; ok {
		return s
	}
	return "unknown error"
}

var errnames = map[Err_t]string{
	EINVAL:       "invalid argument",
	EACCES:       "permission denied",
	ENOENT:       "no such entity",
	EEXIST:       "already exists",
	ENOTDIR:      "not a directory",
	EISDIR:       "is a directory",
	EMLINK:       "too many links",
	ENAMETOOLONG: "name too long",
	ENOSPC:       "no space left on device",
	ENOMEM:       "out of memory",
	EBADF:        "bad file descriptor",
	EMFILE:       "too many open files",
	ECHILD:       "no child processes",
	EFAULT:       "access fault",
	ENOHEAP:      "kernel heap exhausted",
	ESRCH:        "no such process",
}

// Prot is a memory protection bitset: any subset of {READ, WRITE, EXEC}, or
// PROT_NONE. Invalid combinations are caught at the mmap/munmap boundary.
type Prot uint

const (
	PROT_NONE  Prot = 0
	PROT_READ  Prot = 1 << 0
	PROT_WRITE Prot = 1 << 1
	PROT_EXEC  Prot = 1 << 2
)

func (p Prot) Readable() bool   { return p&PROT_READ != 0 }
func (p Prot) Writable() bool   { return p&PROT_WRITE != 0 }
func (p Prot) Executable() bool { return p&PROT_EXEC != 0 }

// MapFlags carries the sharing policy and optional mmap modifiers.
// Exactly one of SHARED/PRIVATE must be set; FIXED and ANON are optional.
type MapFlags uint

const (
	MAP_SHARED  MapFlags = 1 << 0
	MAP_PRIVATE MapFlags = 1 << 1
	MAP_FIXED   MapFlags = 1 << 2
	MAP_ANON    MapFlags = 1 << 3
)

func (f MapFlags) Shared() bool  { return f&MAP_SHARED != 0 }
func (f MapFlags) Private() bool { return f&MAP_PRIVATE != 0 }
func (f MapFlags) Fixed() bool   { return f&MAP_FIXED != 0 }
func (f MapFlags) Anon() bool    { return f&MAP_ANON != 0 }

// Valid reports whether f names exactly one of SHARED/PRIVATE.
func (f MapFlags) Valid() bool {
	s, p := f.Shared(), f.Private()
	return s != p
}

// FaultCause is the bitmask the page-fault handler receives describing the
// access that faulted. The handler is never invoked for kernel-mode faults,
// so there is no KERNEL bit.
type FaultCause uint

const (
	FAULT_USER  FaultCause = 1 << 0
	FAULT_WRITE FaultCause = 1 << 1
	FAULT_EXEC  FaultCause = 1 << 2
	// absence of FAULT_WRITE and FAULT_EXEC means the fault was a read
)

func (c FaultCause) Write() bool { return c&FAULT_WRITE != 0 }
func (c FaultCause) Exec() bool  { return c&FAULT_EXEC != 0 }

// ExitStatus encodes why a process terminated, for waitpid's &status out
// parameter. Ordinary exit codes occupy the low byte; fault codes are
// carried as small negative sentinels distinguishable from any exit(2)
// argument a well-behaved program would pass.
type ExitStatus int

const (
	ExitNormal ExitStatus = 0
	ExitFault  ExitStatus = ExitStatus(-EFAULT)
	ExitOOM    ExitStatus = ExitStatus(-ENOMEM)
)

// Dir selects which end of the unmapped-gap search vmmap.FindRange performs.
type Dir int

const (
	DirLowest Dir = iota
	DirHighest
)
