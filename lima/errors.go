package lima

import "fmt"

// CommError wraps any transport or attribute-access failure talking to the
// device.  It is always fatal to the in-progress call; nothing in this
// package retries it except the warm-up and backlog poll loops.
type CommError struct {
	// Op is "read", "write" or "command".
	Op string

	// Name is the attribute or command involved.
	Name string

	Err error
}

func (e CommError) Error() string {
	return fmt.Sprintf("device %s %s: %v", e.Op, e.Name, e.Err)
}

func (e CommError) Unwrap() error { return e.Err }

// StaleCounterError is raised when a device counter decreased between two
// polls, which means the device was reset behind our back.  Monotonic
// numbering can no longer be guaranteed, so it must surface instead of
// being absorbed.
type StaleCounterError struct {
	Attr string
	Prev int
	Got  int
}

func (e StaleCounterError) Error() string {
	return fmt.Sprintf("counter %s went backwards (%d -> %d), device was reset externally",
		e.Attr, e.Prev, e.Got)
}

// UnexpectedTransferFormatError is returned when the frame transfer
// command reports a format tag other than DATA_ARRAY.
type UnexpectedTransferFormatError struct {
	Format string
}

func (e UnexpectedTransferFormatError) Error() string {
	return fmt.Sprintf("frame transfer format %q, want %q", e.Format, TransferFormat)
}
