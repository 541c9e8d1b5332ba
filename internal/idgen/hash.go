// Package idgen derives short, stable, content-addressed identifiers for
// connections and cluster-visible entities.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 converts a byte slice to a base36 string of specified length.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	var result strings.Builder
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}

	return str
}

// numBytesForLength picks how many hash bytes feed EncodeBase36 for a given
// output length, mirroring the bit-density table a fixed-width ID needs.
func numBytesForLength(length int) int {
	switch length {
	case 3:
		return 2
	case 4:
		return 3
	case 5, 6:
		return 4
	case 7, 8:
		return 5
	default:
		return 6
	}
}

// GenerateID derives a short, content-addressed identifier from the given
// parts plus a timestamp and a disambiguating nonce (bump the nonce to avoid
// a collision against an ID already present in the target namespace).
// Used for connectionIds (remote addr + accept time) and instanceIds
// (service key, ip, port and cluster + registration time) alike.
func GenerateID(prefix string, parts []string, timestamp time.Time, length, nonce int) string {
	content := fmt.Sprintf("%s|%d|%d", strings.Join(parts, "|"), timestamp.UnixNano(), nonce)
	hash := sha256.Sum256([]byte(content))
	short := EncodeBase36(hash[:numBytesForLength(length)], length)
	return fmt.Sprintf("%s-%s", prefix, short)
}
