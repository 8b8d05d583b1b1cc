package protocol

// Checksum is the additive integrity check used on both the handshake and the
// streaming frames: the sum of every byte, modulo 2^32.
func Checksum(parts ...[]byte) uint32 {
	var sum uint32
	for _, p := range parts {
		for _, b := range p {
			sum += uint32(b)
		}
	}
	return sum
}
