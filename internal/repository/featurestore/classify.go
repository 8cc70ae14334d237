package featurestore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
)

// IsResourceExhausted reports whether err means the storage engine ran out
// of capacity.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

func classifySQLite(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	return err
}

// classifyRedis maps the OOM error class, returned when maxmemory is reached
// under the noeviction policy. Inside MULTI the OOM reply belongs to the
// queued command and EXEC fails with EXECABORT, so cmds are checked too.
func classifyRedis(err error, cmds ...redis.Cmder) error {
	if err == nil {
		return nil
	}

	if isRedisOOM(err) {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	for _, cmd := range cmds {
		if cmdErr := cmd.Err(); cmdErr != nil && isRedisOOM(cmdErr) {
			return fmt.Errorf("%w: %w", ErrResourceExhausted, cmdErr)
		}
	}

	return err
}

func isRedisOOM(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr) && strings.HasPrefix(redisErr.Error(), "OOM ")
}
