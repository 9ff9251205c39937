package server

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/strftime"
)

// DefaultLogFilePattern names one log file per day, mirroring the
// teacher's own timestamp_format precedent (tq.go/xmit.go) for rendering
// a strftime pattern against the current time.
const DefaultLogFilePattern = "lancomm-server-%Y%m%d.log"

// LogFileName renders pattern (a strftime format string) against now, for
// the server's log file name. It renders one name per call; with
// DefaultLogFilePattern that name carries the date.
func LogFileName(pattern string, now time.Time) (string, error) {
	name, err := strftime.Format(pattern, now)
	if err != nil {
		return "", fmt.Errorf("server: render log file name: %w", err)
	}
	return name, nil
}
