package bootloader

import "fmt"

// eFuse registers distinguishing ESP8285 (flash-in-package) from
// plain ESP8266EX.
const (
	regEfuse0 = 0x3ff00050
	regEfuse2 = 0x3ff00058
)

// DescribeChip reports whether the connected part is an ESP8285 (which
// has flash bonded into the same package) or a plain ESP8266EX, by
// checking the eFuse bits esptool and mos both use to tell them apart.
func (s *Session) DescribeChip() (string, error) {
	efuse0, err := s.ReadReg(regEfuse0)
	if err != nil {
		return "", fmt.Errorf("read efuse0: %w", err)
	}
	efuse2, err := s.ReadReg(regEfuse2)
	if err != nil {
		return "", fmt.Errorf("read efuse2: %w", err)
	}
	if efuse0&(1<<4) != 0 || efuse2&(1<<16) != 0 {
		return "ESP8285", nil
	}
	return "ESP8266EX", nil
}
