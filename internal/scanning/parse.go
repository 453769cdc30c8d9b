package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// objectPattern matches the first flat brace-delimited object in a reply
var objectPattern = regexp.MustCompile(`\{[^}]+\}`)

// ParseDigits extracts a digit string from a vision model reply.
// The first {...} object is used when it holds integer pos1..posN values in 0-9;
// otherwise every ASCII digit in the reply is kept in order.
// The result may be shorter or longer than digitCount.
func ParseDigits(raw string, digitCount int) string {
	if digits, ok := parsePositions(raw, digitCount); ok {
		return digits
	}
	return NormalizeDigits(raw)
}

// parsePositions reads pos1..posN from the first JSON object in the reply
func parsePositions(raw string, digitCount int) (string, bool) {
	if digitCount <= 0 {
		return "", false
	}

	match := objectPattern.FindString(raw)
	if match == "" {
		return "", false
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(match)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return "", false
	}

	var b strings.Builder
	for i := 1; i <= digitCount; i++ {
		v, ok := fields[fmt.Sprintf("pos%d", i)]
		if !ok {
			return "", false
		}
		num, ok := v.(json.Number)
		if !ok {
			return "", false
		}
		// Integers only: 3.0 and 3e0 are rejected like any other non-integer
		d, err := strconv.ParseInt(num.String(), 10, 64)
		if err != nil || d < 0 || d > 9 {
			return "", false
		}
		b.WriteByte(byte('0' + d))
	}
	return b.String(), true
}

// NormalizeDigits drops every character that is not an ASCII digit
func NormalizeDigits(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
