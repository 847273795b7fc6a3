package writer

import (
	"strconv"
	"strings"
)

// paise converts a rupee price string from the feed ("101.5", "0.05",
// "-3.20") to integer paise. Empty or unparseable strings become 0:
// the feed omits fields that have not changed and the recorder treats
// those as zero rather than failing the batch.
func paise(s string) int64 {
	if s == "" {
		return 0
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var w int64
	if whole != "" {
		var err error
		w, err = strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return 0
		}
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0
	}

	v := w*100 + f
	if neg {
		v = -v
	}
	return v
}

// asInt parses an integer feed field, returning 0 for empty or
// unparseable values.
func asInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
