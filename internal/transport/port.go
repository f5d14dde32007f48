// Package transport wraps the serial line used to talk to the ESP8266
// ROM bootloader: opening it in the 8N1 mode the ROM expects (at
// DefaultBaudRate, 9600, unless the caller passes another rate),
// driving the DTR/RTS modem-control lines for reset sequencing, and
// giving the higher layers a deadline-bound Read they can hand to
// slip.DecodeFrame.
package transport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the rate the ESP8266 ROM bootloader talks at.
// Unlike ESP32, the ESP8266 ROM has no CHANGE_BAUDRATE command, so a
// session never needs to reconfigure this after sync.
const DefaultBaudRate = 9600

// Port wraps a serial port with the line-control and deadline-aware
// read primitives the bootloader session needs.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port in the 8N1/no-flow-control mode the ROM
// bootloader requires.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", portName, err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes raw bytes to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads whatever is available, honoring the most recently set
// read timeout. It satisfies io.Reader so it can be passed directly
// to slip.DecodeFrame.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// ReadWithDeadline reads with a specific overall deadline: it keeps
// calling the underlying port's timed Read in 50ms slices until data
// arrives or the deadline passes, so a single SLIP frame decode can
// span several short port-level timeouts without the caller having to
// juggle two different timeout knobs.
func (p *Port) ReadWithDeadline(buf []byte, deadline time.Time) (int, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		slice := 50 * time.Millisecond
		if remaining < slice {
			slice = remaining
		}
		if err := p.port.SetReadTimeout(slice); err != nil {
			return 0, err
		}
		n, err := p.port.Read(buf)
		if n > 0 || err != nil {
			p.port.SetReadTimeout(100 * time.Millisecond)
			return n, err
		}
	}
}

// deadlineReader adapts a deadline to the plain io.Reader interface
// slip.DecodeFrame expects.
type deadlineReader struct {
	port     *Port
	deadline time.Time
}

func (d *deadlineReader) Read(buf []byte) (int, error) {
	return d.port.ReadWithDeadline(buf, d.deadline)
}

// Deadline returns an io.Reader bound to the given overall deadline,
// suitable for slip.DecodeFrame(port.Deadline(time.Now().Add(timeout))).
func (p *Port) Deadline(deadline time.Time) io.Reader {
	return &deadlineReader{port: p, deadline: deadline}
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal (wired to GPIO0 per esptool.py convention).
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS signal (wired to CH_PD/RESET per esptool.py convention).
func (p *Port) SetRTS(value bool) error {
	return p.port.SetRTS(value)
}

// PortName returns the port name this Port was opened with.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the configured baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns the names of all serial ports visible to the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
