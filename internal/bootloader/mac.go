package bootloader

import "fmt"

// MAC efuse registers read by ProbeMAC.
const (
	regMAC1 = 0x3ff00050
	regMAC2 = 0x3ff00054
)

// ouiByMac2Byte2 maps the third byte of the second MAC register to the
// vendor OUI prefix ESP8266 parts are assigned. Any other value means
// the chip isn't an ESP8266/ESP8285 this driver recognizes.
var ouiByMac2Byte2 = map[byte][3]byte{
	0: {0x18, 0xFE, 0x34},
	1: {0xAC, 0xD0, 0x74},
}

// ProbeMAC assembles the 6-byte station MAC address from two ROM
// register reads, the same way esptool's read_mac does for ESP8266.
func (s *Session) ProbeMAC() ([6]byte, error) {
	var mac [6]byte

	mac1, err := s.ReadReg(regMAC1)
	if err != nil {
		return mac, fmt.Errorf("read mac1 register: %w", err)
	}
	mac2, err := s.ReadReg(regMAC2)
	if err != nil {
		return mac, fmt.Errorf("read mac2 register: %w", err)
	}

	m1 := []byte{byte(mac1), byte(mac1 >> 8), byte(mac1 >> 16), byte(mac1 >> 24)}
	m2 := []byte{byte(mac2), byte(mac2 >> 8), byte(mac2 >> 16), byte(mac2 >> 24)}

	oui, ok := ouiByMac2Byte2[m2[2]]
	if !ok {
		return mac, fmt.Errorf("unrecognized OUI selector 0x%02x", m2[2])
	}

	mac[0], mac[1], mac[2] = oui[0], oui[1], oui[2]
	mac[3], mac[4], mac[5] = m2[1], m2[0], m1[3]
	return mac, nil
}

// FormatMAC renders a MAC address the conventional colon-separated way.
func FormatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
