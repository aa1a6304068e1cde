package frame

// CRC16 computes the Modbus CRC-16 of data (init 0xFFFF, reflected poly 0xA001)
// and returns it byte-swapped, so that writing the result big-endian puts the
// low CRC byte first on the wire, as the inverter expects.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc<<8 | crc>>8
}
