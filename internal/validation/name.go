// Package validation содержит функции валидации входных данных.
package validation

import (
	"encoding/hex"
)

// IsValidAddressName проверяет имя lightning-адреса: от 2 до 30 символов из
// набора a-z, 0-9, '-', '_', '.'.
func IsValidAddressName(name string) bool {
	if len(name) < 2 || len(name) > 30 {
		return false
	}

	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_' || ch == '.':
		default:
			return false
		}
	}

	return true
}

// IsValidPubkey проверяет, что строка является hex-представлением 32-байтного
// публичного ключа.
func IsValidPubkey(pubkey string) bool {
	raw, err := hex.DecodeString(pubkey)
	if err != nil {
		return false
	}
	return len(raw) == 32
}
