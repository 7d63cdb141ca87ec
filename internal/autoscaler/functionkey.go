package autoscaler

import (
	"crypto/sha256"
	"encoding/hex"
)

// FunctionKey derives the pool identity for a (function, user) pair:
// functionName + "-" + the first 8 hex characters of sha256(userUUID).
// Two different users invoking the same function name get independent
// pools; the same user's repeat invocations land on the same pool.
func FunctionKey(functionName, userUUID string) string {
	sum := sha256.Sum256([]byte(userUUID))
	return functionName + "-" + hex.EncodeToString(sum[:])[:8]
}
