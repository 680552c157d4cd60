// Package serial implements the line-buffered bidirectional port to the
// radio modem (spec §4.1): a scoped serial port configured 57600-8-N-1
// with an effectively infinite read timeout, exposing CR/LF-terminated
// ASCII line read/write.
package serial

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/term"
)

// BaudRate is the fixed line speed to the modem (spec §4.1: 57600-8-N-1).
const BaudRate = 57600

// Port is a scoped acquisition of one serial line to the radio modem.
type Port struct {
	t *term.Term
	r *bufio.Reader
}

// Open acquires device at the fixed baud rate in raw mode.
func Open(device string) (*Port, error) {
	t, err := term.Open(device, term.Speed(BaudRate), term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}
	return &Port{t: t, r: bufio.NewReader(t)}, nil
}

// ReadLine blocks until a CR/LF-terminated line arrives, returning it with
// the terminator stripped. It returns io.EOF, unwrapped, on end of input so
// callers can distinguish a clean close from any other read error.
func (p *Port) ReadLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", fmt.Errorf("serial: read error: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine appends CR/LF to s, writes it, and flushes.
func (p *Port) WriteLine(s string) error {
	if _, err := p.t.Write([]byte(s + "\r\n")); err != nil {
		return fmt.Errorf("serial: write error: %w", err)
	}
	if err := p.t.Flush(); err != nil {
		return fmt.Errorf("serial: flush error: %w", err)
	}
	return nil
}

// Close releases the underlying port.
func (p *Port) Close() error {
	return p.t.Close()
}
