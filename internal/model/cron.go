package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron validates a cron expression with 5 fields. Macros like
// @daily and @every are accepted too.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return fmt.Errorf("empty cron expression")
	}

	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var isoDurationRx = regexp.MustCompile(`^P(?:(?P<day>\d+)D)?(?:T(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

// ParseISODuration converts an ISO8601 duration like P1DT2H30M into a
// time.Duration. Only day and smaller components are supported, years
// and months are ambiguous by definition.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)
	if match == nil {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}

		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			unit = time.Hour
		case "minute":
			unit = time.Minute
		case "second":
			// seconds may carry a fraction
			f, err := strconv.ParseFloat(strings.Replace(part, ",", ".", 1), 64)
			if err != nil {
				return 0, fmt.Errorf("parsing seconds %q: %w", part, err)
			}
			ret += time.Duration(f * float64(time.Second))
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("parsing %s %q: %w", name, part, err)
		}
		ret += time.Duration(n) * unit
	}

	return ret, nil
}
