package protocol

// Checksum8 is the 8-bit XOR checksum used by ASCII sentences. It covers the
// bytes between '$' and '*'.
func Checksum8(data []byte) byte {
	var calc byte
	for _, b := range data {
		calc ^= b
	}
	return calc
}

// CRC16 computes the 16-bit CRC-CCITT (poly 0x1021, init 0) used by binary
// frames and by ASCII sentences carrying a four digit checksum.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc>>8 | crc<<8
		crc ^= uint16(b)
		crc ^= (crc & 0xff) >> 4
		crc ^= crc << 12
		crc ^= (crc & 0x00ff) << 5
	}
	return crc
}
