package orders

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	orderNumberPrefix = "ORD"
	base36Digits      = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffixLength      = 6
)

// NewOrderNumber returns a human readable order number: a time component
// that sorts roughly by creation followed by a random suffix.
func NewOrderNumber(now time.Time) string {
	var b strings.Builder
	b.WriteString(orderNumberPrefix)
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 36))

	max := big.NewInt(int64(len(base36Digits)))
	for i := 0; i < suffixLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is gone
			panic(err)
		}
		b.WriteByte(base36Digits[n.Int64()])
	}
	return strings.ToUpper(b.String())
}
