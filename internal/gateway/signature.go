package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// DefaultTolerance is the accepted clock skew between a signature timestamp and now
const DefaultTolerance = 5 * time.Minute

// ComputeSignature returns the hex HMAC-SHA256 of timestamp + "." + payload
func ComputeSignature(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature accepts the payload if any candidate signature matches and
// the timestamp lies within tolerance of now in either direction.
func VerifySignature(secret string, timestamp int64, payload []byte, candidates []string, tolerance time.Duration, now time.Time) error {
	if timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSignature)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}

	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected, _ := hex.DecodeString(ComputeSignature(secret, timestamp, payload))
	for _, c := range candidates {
		got, err := hex.DecodeString(c)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}
