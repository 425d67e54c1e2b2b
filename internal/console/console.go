// Package console adapts a guest serial stream to the host terminal.
//
// It is deliberately generic: it knows nothing about UART registers, keyboard
// scan codes, or display data registers. A concrete MMIO serial device (out
// of scope for this module; see SPEC_FULL.md) reads and writes bytes through
// the io.Reader/io.Writer pair a Console exposes, and the Console's job is
// only to put the host terminal into raw mode and shuttle bytes back and
// forth without local echo or line buffering getting in the way.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned if standard input is not a terminal. Asynchronous,
// unbuffered I/O is only supported against a real tty.
var ErrNoTTY = errors.New("console: not a tty")

// Console adapts a host terminal for raw byte-oriented guest I/O.
type Console struct {
	in    *os.File
	out   *os.File
	fd    int
	state *term.State

	rxCh chan byte // bytes read from the terminal, offered to the guest device
	txCh chan byte // bytes written by the guest device, to be echoed to the terminal
}

// New puts the terminal backing sin into raw mode and returns a Console
// that shuttles bytes between it and sout. Callers must call Restore to
// return the terminal to its original state.
func New(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{
		fd:    fd,
		in:    sin,
		out:   sout,
		state: saved,
		rxCh:  make(chan byte, 1),
		txCh:  make(chan byte, 256),
	}

	if err := c.setTermios(1, 0); err != nil {
		_ = term.Restore(fd, saved)
		return nil, err
	}

	return c, nil
}

// Restore returns the terminal to the state it was in before New was called.
func (c *Console) Restore() {
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

// Run shuttles bytes between the terminal and the channels returned by RX/TX
// until ctx is cancelled. It is meant to run on its own goroutine.
func (c *Console) Run(ctx context.Context) {
	go c.readTerminal(ctx)
	go c.writeTerminal(ctx)

	<-ctx.Done()
}

// RX returns the channel of bytes read from the host terminal; a guest
// device's driver receives from this channel to fill its input buffer.
func (c *Console) RX() <-chan byte {
	return c.rxCh
}

// TX returns the channel a guest device's driver sends bytes to for display
// on the host terminal.
func (c *Console) TX() chan<- byte {
	return c.txCh
}

func (c *Console) setTermios(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	t, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	t.Cc[unix.VMIN] = vmin
	t.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, t); err != nil {
		return err
	}

	_ = c.in.SetReadDeadline(time.Time{})

	return nil
}

func (c *Console) readTerminal(ctx context.Context) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.rxCh <- b:
		}
	}
}

func (c *Console) writeTerminal(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.txCh:
			if _, err := c.out.Write([]byte{b}); err != nil {
				return
			}
		}
	}
}
