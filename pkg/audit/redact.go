package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

func hashString(value string, salt []byte) string {
	if value == "" {
		return ""
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
