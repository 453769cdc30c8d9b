package scanning

import (
	"fmt"
	"sort"
	"strings"
)

// Utility is the kind of meter being read
type Utility string

const (
	Gas         Utility = "gas"
	Water       Utility = "water"
	Electricity Utility = "electricity"
)

// profile holds the per-utility recognition settings
type profile struct {
	defaultDigits int
	instructions  func(digits int, example, format string) (system, user string)
}

// drumSystemPrompt covers mechanical drum counters (gas and water meters).
// Arguments: meter kind, digit count, leading-zero example, extra description, JSON format.
const drumSystemPrompt = `You are a precision %[1]s meter digit reader.

WHAT TO LOOK FOR:
Find the horizontal row of MECHANICAL ROTATING DRUM WHEELS (rollers) on the meter. Each drum sits behind a rectangular window slot and shows a single digit (0-9).%[4]s

IGNORE EVERYTHING ELSE on the meter:
- Serial numbers printed flat on the label
- Year of manufacture, QR codes, barcodes
- Technical specs, brand names, model numbers
- Only read the MECHANICAL ROTATING DRUMS.

COLOR RULES:
- BLACK or WHITE background drums = INTEGER reading (left side). READ THESE.
- RED background drums = decimal fraction (right side). COMPLETELY IGNORE red drums.

READING RULES:
1. Read exactly %[2]d black/white drums, strictly LEFT to RIGHT.
2. Read the digit most centered in the viewing window for each drum.
3. If a drum is between two digits (transitioning), report the LOWER digit.
4. Leading zeros matter: %[3]s stays %[3]s.
5. Verify each drum independently before answering.

RESPONSE FORMAT:
Step 1: Describe what you see on each drum (left to right).
Step 2: Return JSON: %[5]s where D is a single integer 0-9.`

const drumUserPrompt = `Look at the mechanical rotating drum wheels on this %[1]s meter. Ignore all printed text, serial numbers and specs.%[3]s Read only the %[2]d black/white drums left to right.

Step 1: Describe what you see on each drum position.
Step 2: Return the JSON with your reading.`

const displaySystemPrompt = `You are a precision electricity meter digit reader.

WHAT TO LOOK FOR:
Find the LCD or LED digital display showing the main kWh reading. This is typically the largest number on the display, shown using 7-segment digits. The display may have a kWh label nearby.

IGNORE EVERYTHING ELSE on the meter:
- Serial numbers, meter ID numbers
- Tariff indicators (T1, T2, etc.)
- Date, time, or mode displays
- Voltage, current, or power readings
- Any decimal portion after a dot or comma
- Barcodes, QR codes, brand names

READING RULES:
1. Read exactly %[1]d integer digits of the main kWh reading, LEFT to RIGHT.
2. IGNORE any digits after a decimal point, dot, or comma.
3. Leading zeros matter: %[2]s stays %[2]s.
4. If a digit is partially visible or flickering, read the most likely value.
5. Verify each digit independently before answering.

RESPONSE FORMAT:
Step 1: Describe what you see on each digit position (left to right).
Step 2: Return JSON: %[3]s where D is a single integer 0-9.`

const displayUserPrompt = `Look at the LCD/LED display on this electricity meter. Ignore serial numbers, tariff indicators, dates, and decimal portions. Read only the %d main integer kWh digits left to right.

Step 1: Describe what you see on each digit position.
Step 2: Return the JSON with your reading.`

const waterDescription = " The water meter typically has a round face, may have a blue ring, and shows m³ (cubic meters) as the unit. There may be a small rotary dial at the bottom; IGNORE it."

var profiles = map[Utility]profile{
	Gas: {
		defaultDigits: 5,
		instructions: func(digits int, example, format string) (string, string) {
			return fmt.Sprintf(drumSystemPrompt, "gas", digits, example, "", format),
				fmt.Sprintf(drumUserPrompt, "gas", digits, "")
		},
	},
	Water: {
		defaultDigits: 5,
		instructions: func(digits int, example, format string) (string, string) {
			return fmt.Sprintf(drumSystemPrompt, "water", digits, example, waterDescription, format),
				fmt.Sprintf(drumUserPrompt, "water", digits, " Ignore any small rotary dials.")
		},
	},
	Electricity: {
		defaultDigits: 6,
		instructions: func(digits int, example, format string) (string, string) {
			return fmt.Sprintf(displaySystemPrompt, digits, example, format),
				fmt.Sprintf(displayUserPrompt, digits)
		},
	},
}

// ParseUtility normalizes and validates a utility name
func ParseUtility(s string) (Utility, error) {
	u := Utility(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profiles[u]; !ok {
		return "", fmt.Errorf("invalid utility_type. Must be one of: %s", strings.Join(utilityNames(), ", "))
	}
	return u, nil
}

func utilityNames() []string {
	names := make([]string, 0, len(profiles))
	for u := range profiles {
		names = append(names, string(u))
	}
	sort.Strings(names)
	return names
}

// Valid reports whether u is a known utility
func (u Utility) Valid() bool {
	_, ok := profiles[u]
	return ok
}

// DefaultDigits returns the conventional number of integer digits for the utility.
// Unknown utilities fall back to the gas profile.
func (u Utility) DefaultDigits() int {
	if p, ok := profiles[u]; ok {
		return p.defaultDigits
	}
	return profiles[Gas].defaultDigits
}

// Instructions returns the system and user prompts for reading the utility's meter.
// Unknown utilities use the gas prompts.
func (u Utility) Instructions(digits int) (system, user string) {
	p, ok := profiles[u]
	if !ok {
		p = profiles[Gas]
	}
	if digits <= 0 {
		digits = p.defaultDigits
	}
	return p.instructions(digits, leadingZeroExample(digits), positionFormat(digits))
}

// positionFormat renders {"pos1": D, ..., "posN": D}
func positionFormat(digits int) string {
	var b strings.Builder
	b.WriteString("{")
	for i := 1; i <= digits; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, `"pos%d": D`, i)
	}
	b.WriteString("}")
	return b.String()
}

// leadingZeroExample renders a sample reading such as 01814 padded to the requested width
func leadingZeroExample(digits int) string {
	const sample = "1814"
	if digits <= len(sample) {
		return "0" + sample[len(sample)-digits+1:]
	}
	return strings.Repeat("0", digits-len(sample)) + sample
}
