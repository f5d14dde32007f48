package bootloader

import (
	"fmt"

	"github.com/flashkit/esp8266boot/internal/logging"
	"github.com/flashkit/esp8266boot/internal/transport"
)

// ProbeResult is what a successful Probe found on a port.
type ProbeResult struct {
	Port string
	MAC  [6]byte
	Chip string
}

// Probe opens portName, resets the device into the bootloader, and
// confirms it is really there by reading back the MAC address and
// chip variant. It always closes the port before returning.
func Probe(portName string, log logging.Logger) (*ProbeResult, error) {
	port, err := transport.Open(portName, transport.DefaultBaudRate)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	defer port.Close()

	sess := New(port, log)
	if err := sess.RebootIntoBootloader(); err != nil {
		return nil, fmt.Errorf("probe %s: %w", portName, err)
	}

	mac, err := sess.ProbeMAC()
	if err != nil {
		return nil, fmt.Errorf("probe %s: read MAC: %w", portName, err)
	}

	chip, err := sess.DescribeChip()
	if err != nil {
		chip = "ESP8266 (variant unknown)"
	}

	return &ProbeResult{Port: portName, MAC: mac, Chip: chip}, nil
}
