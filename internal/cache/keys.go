package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func FileStatusKey(fileID uuid.UUID) string {
	return fmt.Sprintf("file:status:%s", fileID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
