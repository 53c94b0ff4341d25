package protocol

import "github.com/gorilla/websocket"

// Close codes the relay uses when it originates a close itself.
const (
	CloseNormal      = websocket.CloseNormalClosure
	CloseServerError = websocket.CloseInternalServerErr
)

// reserved close codes that must never be echoed on the wire.
var reservedCloseCodes = map[int]bool{
	1004: true, // reserved
	1005: true, // no status received
	1006: true, // abnormal closure
	1015: true, // TLS handshake failure
}

// SanitizeCloseCode maps a close code observed on one leg to the code used
// when mirroring the close onto the opposite leg. Reserved or out-of-range
// codes fall back to normal closure; everything else passes through.
func SanitizeCloseCode(code int) int {
	if code < 1000 || code > 4999 || reservedCloseCodes[code] {
		return CloseNormal
	}
	return code
}
