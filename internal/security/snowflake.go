package security

import (
	"errors"
	"strconv"
	"time"
)

// Discord epoch: 2015-01-01T00:00:00Z in unix milliseconds.
const discordEpochMS = 1420070400000

func ParseSnowflake(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty snowflake")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.New("snowflake must be numeric")
		}
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("invalid snowflake")
	}
	if id == 0 {
		return 0, errors.New("snowflake must be > 0")
	}
	return id, nil
}

// SnowflakeTime extracts the creation timestamp encoded in a snowflake id.
// Invalid ids map to the zero time.
func SnowflakeTime(s string) time.Time {
	id, err := ParseSnowflake(s)
	if err != nil {
		return time.Time{}
	}
	ms := int64(id>>22) + discordEpochMS
	return time.UnixMilli(ms).UTC()
}



