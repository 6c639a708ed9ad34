package sock

// Transport data message framing constants. A data message is
// type(4) + receiver index(4) + counter(8) followed by the AEAD-sealed
// payload, which carries a 16-byte authentication tag.
const (
	messageDataHeaderLen = 16
	messageAEADTagLen    = 16
)

// MessageDataLen returns the on-wire length of a data message sealing a
// plaintext of the given length. MessageDataLen(0) is the canonical
// keepalive length.
func MessageDataLen(plaintextLen int) int {
	return messageDataHeaderLen + plaintextLen + messageAEADTagLen
}
