// Package ipc implements the trivial one-byte-per-event handshake between
// the sandbox parent process and its sandboxed child. Two one-way pipes
// (child->parent, parent->child) carry a single disjoint byte each,
// exactly once, per sandbox lifecycle.
package ipc

import (
	"fmt"
	"os"
)

// ChildEvent is a byte the child sends to the parent. Child events live in
// 0..127 so a misdirected read is easy to tell apart from a ParentEvent.
type ChildEvent byte

const (
	// InitFailed means the child hit an error during setup and has exited.
	InitFailed ChildEvent = 0
	// InitSuccess means the child finished its setup protocol and is
	// about to invoke the user payload.
	InitSuccess ChildEvent = 1
)

func (e ChildEvent) String() string {
	switch e {
	case InitFailed:
		return "InitFailed"
	case InitSuccess:
		return "InitSuccess"
	default:
		return fmt.Sprintf("ChildEvent(%d)", byte(e))
	}
}

// ParentEvent is a byte the parent sends to the child. Parent events start
// at 128 so they can never collide with a ChildEvent byte.
type ParentEvent byte

const (
	// CGroupFailure means the parent could not create or attach the cgroup.
	CGroupFailure ParentEvent = 128
	// UidGidMapFailure means the id-map helper failed.
	UidGidMapFailure ParentEvent = 129
	// NetworkFailure means the network helper failed to spawn, become
	// ready, or accept a requested port forward.
	NetworkFailure ParentEvent = 130
	// ParentReady tells the child that every parent-side setup stage
	// (cgroup, id-maps, networking) has succeeded and it may proceed
	// with its own setup.
	ParentReady ParentEvent = 131
)

func (e ParentEvent) String() string {
	switch e {
	case CGroupFailure:
		return "CGroupFailure"
	case UidGidMapFailure:
		return "UidGidMapFailure"
	case NetworkFailure:
		return "NetworkFailure"
	case ParentReady:
		return "ParentReady"
	default:
		return fmt.Sprintf("ParentEvent(%d)", byte(e))
	}
}

// Channel is a pair of one-way pipes connecting a sandbox parent and child.
// Each side owns the read end of its receive pipe and the write end of its
// send pipe; the other two descriptors are closed once handed across exec.
type Channel struct {
	// parentPipe carries bytes from parent to child.
	parentRead, parentWrite *os.File
	// childPipe carries bytes from child to parent.
	childRead, childWrite *os.File
}

// New allocates both pipes. The caller is responsible for closing whichever
// ends it does not use in this process (see ParentEnds/ChildEnds).
func New() (*Channel, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: allocate parent pipe: %w", err)
	}
	cr, cw, err := os.Pipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("ipc: allocate child pipe: %w", err)
	}
	return &Channel{parentRead: pr, parentWrite: pw, childRead: cr, childWrite: cw}, nil
}

// CloseAfterSpawn closes the two descriptors this process duplicated into
// the child (the child's read end of the parent pipe, and the child's
// write end of the child pipe). Call this in the parent immediately after
// starting the child process: the child has its own copies via ExtraFiles,
// and the parent must drop these or it can never observe EOF/closure.
func (c *Channel) CloseAfterSpawn() {
	c.parentRead.Close()
	c.childWrite.Close()
}

// ParentWriteFile and ParentReadFile expose the raw *os.File for the
// parent side, e.g. to hand to Cmd.ExtraFiles before fork/exec.
func (c *Channel) ParentReadFile() *os.File  { return c.parentRead }
func (c *Channel) ParentWriteFile() *os.File { return c.parentWrite }
func (c *Channel) ChildReadFile() *os.File   { return c.childRead }
func (c *Channel) ChildWriteFile() *os.File  { return c.childWrite }

// SendFromParent writes exactly one ParentEvent byte.
func (c *Channel) SendFromParent(e ParentEvent) error {
	return send(c.parentWrite, byte(e))
}

// SendFromChild writes exactly one ChildEvent byte.
func (c *Channel) SendFromChild(e ChildEvent) error {
	return send(c.childWrite, byte(e))
}

// RecvInParent blocks until the child sends its one event.
func (c *Channel) RecvInParent() (ChildEvent, error) {
	b, err := recv(c.childRead)
	if err != nil {
		return 0, err
	}
	if b > 127 {
		panic(fmt.Sprintf("ipc: got parent-range byte %d on child->parent pipe", b))
	}
	return ChildEvent(b), nil
}

// RecvInChild blocks until the parent sends its one event.
func (c *Channel) RecvInChild() (ParentEvent, error) {
	b, err := recv(c.parentRead)
	if err != nil {
		return 0, err
	}
	if b < 128 {
		panic(fmt.Sprintf("ipc: got child-range byte %d on parent->child pipe", b))
	}
	return ParentEvent(b), nil
}

func send(f *os.File, b byte) error {
	n, err := f.Write([]byte{b})
	if err != nil {
		return fmt.Errorf("ipc: write event: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("ipc: short write of event (wrote %d bytes)", n)
	}
	return nil
}

func recv(f *os.File) (byte, error) {
	var buf [1]byte
	n, err := f.Read(buf[:])
	if err != nil {
		return 0, fmt.Errorf("ipc: read event: %w", err)
	}
	if n != 1 {
		return 0, fmt.Errorf("ipc: short read of event (read %d bytes)", n)
	}
	return buf[0], nil
}

// RecvFromFD is a convenience for the re-exec'd child process, which
// inherits the parent's read end as a plain fd (e.g. fd 3) rather than a
// *Channel built in this process.
func RecvFromFD(f *os.File) (ParentEvent, error) {
	b, err := recv(f)
	if err != nil {
		return 0, err
	}
	if b < 128 {
		panic(fmt.Sprintf("ipc: got child-range byte %d on parent->child pipe", b))
	}
	return ParentEvent(b), nil
}

// SendFromFD is the child-process-side send, using the inherited write fd
// directly instead of a *Channel.
func SendFromFD(f *os.File, e ChildEvent) error {
	return send(f, byte(e))
}
