package splitfat

// crc16 computes the CCITT (XModem) CRC-16 of data: polynomial 0x1021,
// initial value 0x0000, no input/output reflection. This is the per-cluster
// payload checksum whose result is split across a FATCell's two halves by
// FATCell.EncodeCRC/DecodeCRC.
//
// No ecosystem CRC-16 package is a good fit for this one inline routine,
// so it is implemented directly rather than importing an unrelated
// package just to claim a dependency.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
