// Package radio owns the modem and implements the half-duplex TX/RX
// arbiter (spec §4.2): the modem is always in exactly one of LISTEN or
// TRANSMIT, a token-bucket rate limiter gates entry into TRANSMIT, and the
// driver exposes an inbound queue of decoded frames and an outbound
// bounded queue of frames to send.
package radio

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loramesh/loramesh/internal/queue"
)

// LineReader is the read half of the serial line interface the driver
// depends on (satisfied by *serial.Port and by test fakes).
type LineReader interface {
	ReadLine() (string, error)
}

// LineWriter is the write half.
type LineWriter interface {
	WriteLine(s string) error
}

// State is one of the two states the modem is always in.
type State int

const (
	Listen State = iota
	Transmit
)

// ConfigError is returned from Init when the modem rejects a command
// during replay (spec §7 "Config / init failure").
type ConfigError struct {
	Command string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("radio: modem rejected init command %q with invalid_param", e.Command)
}

// Driver owns the modem state machine. It reads lines pushed by a
// background serial-reader task onto Lines, and exposes Inbound (decoded
// received frames) and Outbound (frames queued to send).
type Driver struct {
	writer LineWriter
	log    *log.Logger

	Lines    *queue.Unbounded[string]
	Inbound  *queue.Unbounded[[]byte]
	Outbound *queue.Bounded[[]byte]

	bucket *TokenBucket
	state  State
	pollEvery time.Duration

	FramesTransmitted int
	FramesReceived    int
	ProtocolErrors    int
	StallCount        int
}

// New constructs a Driver. outboundCapacity is the bounded outbound queue's
// capacity (spec §5: 2 is sufficient).
func New(writer LineWriter, txSlot time.Duration, outboundCapacity int, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	return &Driver{
		writer:    writer,
		log:       logger,
		Lines:     queue.NewUnbounded[string](),
		Inbound:   queue.NewUnbounded[[]byte](),
		Outbound:  queue.NewBounded[[]byte](outboundCapacity),
		bucket:    NewTokenBucket(txSlot),
		pollEvery: 10 * time.Millisecond,
	}
}

// Init sends the startup probe, drains whatever the modem had queued up,
// and replays the ordered init command list, failing with *ConfigError if
// any command is rejected (spec §4.2 "Initialisation").
func (d *Driver) Init(commands []string, sleep func(time.Duration)) error {
	if sleep == nil {
		sleep = time.Sleep
	}
	if err := d.writer.WriteLine(initProbeCommand); err != nil {
		return fmt.Errorf("radio: init probe: %w", err)
	}
	sleep(time.Second)
	for {
		if _, ok := d.Lines.TryPop(); !ok {
			break
		}
	}

	for _, cmd := range commands {
		if err := d.writer.WriteLine(cmd); err != nil {
			return fmt.Errorf("radio: init command %q: %w", cmd, err)
		}
		reply, ok := d.Lines.Pop()
		if !ok {
			return fmt.Errorf("radio: init command %q: no reply, line source closed", cmd)
		}
		if reply == replyInvalidParam {
			return &ConfigError{Command: cmd}
		}
	}
	return nil
}

// enterListen performs the LISTEN-entry handshake (spec §4.2). Protocol
// inconsistencies are logged and self-healed, not fatal.
func (d *Driver) enterListen() {
	if err := d.writer.WriteLine(cmdEnterListen); err != nil {
		d.log.Error("radio: write failed entering listen", "err", err)
		return
	}
	line, ok := d.Lines.Pop()
	if !ok {
		return
	}
	if line == replyErr {
		line, ok = d.Lines.Pop()
		if !ok {
			return
		}
	}
	if line != replyOK {
		d.ProtocolErrors++
		d.log.Warn("radio: expected ok entering listen", "got", line)
	}
	d.state = Listen
}

// exitListen performs the LISTEN-exit handshake, tolerating a raced
// radio_rx line arriving as the immediate reply (spec §4.2).
func (d *Driver) exitListen() {
	if err := d.writer.WriteLine(cmdExitListen); err != nil {
		d.log.Error("radio: write failed exiting listen", "err", err)
		return
	}
	line, ok := d.Lines.Pop()
	if !ok {
		return
	}
	if strings.HasPrefix(line, asyncRxPrefix) {
		d.handleAsyncLine(line)
		d.Lines.Pop() // trailing ok/radio_err, ignored
	}
	d.state = Transmit
}

// transmit sends one frame and waits for the modem's tx handshake.
func (d *Driver) transmit(frame []byte) {
	line := cmdTransmit + hex.EncodeToString(frame)
	if err := d.writer.WriteLine(line); err != nil {
		d.log.Error("radio: write failed during transmit", "err", err)
		return
	}
	reply, ok := d.Lines.Pop()
	if !ok {
		return
	}
	if reply == replyErr {
		reply, ok = d.Lines.Pop()
		if !ok {
			return
		}
	}
	if reply != replyOK {
		d.ProtocolErrors++
		d.log.Warn("radio: expected ok for tx", "got", reply)
	} else {
		d.Lines.Pop() // radio_tx_ok, ignored
	}
	d.FramesTransmitted++
}

// handleAsyncLine processes one unsolicited line seen while in LISTEN:
// radio_rx <hex> decodes to one received frame; radio_err is ignored;
// anything else is discarded (self-healing).
func (d *Driver) handleAsyncLine(line string) {
	if strings.HasPrefix(line, asyncRxPrefix) {
		raw, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(line, asyncRxPrefix)))
		if err != nil {
			d.log.Debug("radio: malformed radio_rx hex", "err", err)
			return
		}
		d.Inbound.Push(raw)
		d.FramesReceived++
		return
	}
	if line == replyErr {
		return
	}
	d.log.Debug("radio: discarding unexpected async line", "line", line)
}

// Run drives the state machine until ctx is cancelled. It does not detect
// that the line source has been closed: after a close it keeps running, and
// its handshake reads return at once without a line. It never busy-waits:
// when there is nothing to do it sleeps pollEvery.
func (d *Driver) Run(ctx context.Context) error {
	d.enterListen()
	var pending []byte
	hasPending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.state == Listen {
			if line, ok := d.Lines.TryPop(); ok {
				d.handleAsyncLine(line)
				continue
			}
		}

		if !hasPending {
			if f, ok := d.Outbound.TryPop(); ok {
				pending = f
				hasPending = true
			}
		}

		if hasPending {
			if d.bucket.TryTake() {
				d.exitListen()
				d.transmit(pending)
				hasPending = false
				pending = nil
				d.enterListen()
				continue
			}
			d.StallCount++
		}

		time.Sleep(d.pollEvery)
	}
}

// Close stops the token bucket refill goroutine.
func (d *Driver) Close() {
	d.bucket.Stop()
}

// PopInbound returns the next decoded inbound frame, if any, without
// blocking. It satisfies node.Radio.
func (d *Driver) PopInbound() ([]byte, bool) {
	return d.Inbound.TryPop()
}

// PushOutbound queues an encoded frame for transmission, blocking if the
// bounded outbound queue is full (spec §5 "Backpressure"). It satisfies
// node.Radio.
func (d *Driver) PushOutbound(f []byte) {
	d.Outbound.Push(f)
}

// OutboundLen reports the current outbound backlog, used by the node loop
// to skip scheduled broadcasts behind pending data (spec §4.7 step 3).
func (d *Driver) OutboundLen() int {
	return d.Outbound.Len()
}

// StallCountValue exposes StallCount through a method for metrics wiring.
func (d *Driver) StallCountValue() int {
	return d.StallCount
}

// RunLineReaderTask is the background task (spec §5 "Serial reader task")
// that pumps ReadLine into the driver's unbounded Lines queue until EOF or
// a fatal error. It returns nil on clean EOF and a non-nil error on any
// other read failure, which the caller should treat as fatal (spec §7).
func RunLineReaderTask(ctx context.Context, r LineReader, lines *queue.Unbounded[string]) error {
	defer lines.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := r.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("radio: fatal serial read error: %w", err)
		}
		lines.Push(line)
	}
}
