package obd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type Category string

const (
	CategoryPowertrain Category = "Powertrain"
	CategoryChassis    Category = "Chassis"
	CategoryBody       Category = "Body"
	CategoryNetwork    Category = "Network"
)

var (
	dtcLetters = [4]byte{'P', 'C', 'B', 'U'}
	dtcPattern = regexp.MustCompile(`^[PCBU][0-9A-F]{4}$`)
)

// DtcEntry is a decoded SAE J2012 trouble code.
// The category is always derived from the code letter and is not stored.
type DtcEntry struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	RawBytes    string `json:"rawBytes"`
}

// Category derives the system from the first letter of the code.
func (d DtcEntry) Category() Category {
	return CategoryOf(d.Code)
}

func (d DtcEntry) MarshalJSON() ([]byte, error) {
	type plain DtcEntry
	return json.Marshal(struct {
		plain
		Category Category `json:"category"`
	}{plain(d), d.Category()})
}

// CategoryOf maps a code letter to its system. Unknown letters yield "".
func CategoryOf(code string) Category {
	if code == "" {
		return ""
	}
	switch code[0] {
	case 'P', 'p':
		return CategoryPowertrain
	case 'C', 'c':
		return CategoryChassis
	case 'B', 'b':
		return CategoryBody
	case 'U', 'u':
		return CategoryNetwork
	}
	return ""
}

// ValidDtcCode reports whether code has the [PCBU]XXXX shape.
func ValidDtcCode(code string) bool {
	return dtcPattern.MatchString(code)
}

// decodePair turns the two bytes of a trouble code into its 5-character form.
// Bits 7-6 of a select the letter, bits 5-4 and 3-0 give the first two digits,
// b gives the last two.
func decodePair(a, b byte) string {
	return fmt.Sprintf("%c%X%X%02X", dtcLetters[a>>6], (a>>4)&0x03, a&0x0F, b)
}

// DecodeDtc decodes a bare byte-pair payload such as "0133 0044".
// Whitespace is ignored and all-zero pairs are padding.
func DecodeDtc(payload string) ([]DtcEntry, error) {
	raw, err := hexBytes(payload)
	if err != nil {
		return nil, err
	}
	if len(raw)%2 != 0 {
		return nil, NewParseError("decode dtc", payload, fmt.Errorf("odd byte count %d", len(raw)))
	}
	return decodePairs(raw), nil
}

func decodePairs(raw []byte) []DtcEntry {
	out := []DtcEntry{}
	for i := 0; i+1 < len(raw); i += 2 {
		a, b := raw[i], raw[i+1]
		if a == 0 && b == 0 {
			continue
		}
		out = append(out, DtcEntry{
			Code:     decodePair(a, b),
			RawBytes: fmt.Sprintf("%02X%02X", a, b),
		})
	}
	return out
}

// ParseDtcResponse decodes a Mode 03/07/0A reply. Each line may start with the
// mode response byte (43, 47 or 4A) or be a bare pair payload. A CAN reply
// carries a count byte ahead of the pairs; a trailing odd byte is ignored.
// A reply with no codes, or NO DATA, decodes to an empty list.
func ParseDtcResponse(resp string) ([]DtcEntry, error) {
	out := []DtcEntry{}
	for _, line := range splitLines(resp) {
		if isNoData(line) {
			continue
		}
		raw, err := hexBytes(line)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			continue
		}
		switch raw[0] {
		case 0x43, 0x47, 0x4A:
			raw = raw[1:]
		case 0x41, 0x42, 0x44, 0x45, 0x46, 0x48, 0x49:
			return nil, NewParseError("parse dtc", line, fmt.Errorf("unexpected mode byte %02X", raw[0]))
		}
		if hasCountByte(raw) {
			raw = raw[1:]
		}
		out = append(out, decodePairs(raw)...)
	}
	return out, nil
}

// hasCountByte reports whether raw is a CAN count byte followed by exactly
// that many pairs.
func hasCountByte(raw []byte) bool {
	return len(raw)%2 == 1 && int(raw[0])*2 == len(raw)-1
}

// EncodeDtc is the inverse of the pair decoding, returning four hex digits.
func EncodeDtc(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !ValidDtcCode(code) {
		return "", NewParseError("encode dtc", code, fmt.Errorf("invalid code"))
	}
	digits, err := hex.DecodeString("0" + code[1:2])
	if err != nil {
		return "", NewParseError("encode dtc", code, err)
	}
	if digits[0] > 3 {
		return "", NewParseError("encode dtc", code, fmt.Errorf("first digit out of range"))
	}
	letter := byte(strings.IndexByte("PCBU", code[0]))
	rest, err := hex.DecodeString("0" + code[2:])
	if err != nil {
		return "", NewParseError("encode dtc", code, err)
	}
	// rest holds 0x0D 0xDD for "DDD"; recombine the nibbles.
	a := letter<<6 | digits[0]<<4 | rest[0]&0x0F
	b := rest[1]
	return fmt.Sprintf("%02X%02X", a, b), nil
}

func splitLines(resp string) []string {
	return strings.FieldsFunc(resp, func(r rune) bool { return r == '\r' || r == '\n' })
}

func isNoData(line string) bool {
	s := strings.ToUpper(strings.ReplaceAll(line, " ", ""))
	return s == "NODATA" || strings.HasPrefix(s, "SEARCHING")
}

// hexBytes strips whitespace and decodes the remaining hex digits.
func hexBytes(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n', '>':
			return -1
		}
		return r
	}, s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, NewParseError("decode hex", s, err)
	}
	return raw, nil
}
