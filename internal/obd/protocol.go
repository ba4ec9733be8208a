package obd

import (
	"strconv"
	"strings"
)

// ELM327 command set used by the driver.
const (
	CommandReset        = "ATZ"
	CommandEchoOff      = "ATE0"
	CommandLineFeedsOff = "ATL0"
	CommandSpacesOff    = "ATS0"
	CommandHeadersOff   = "ATH0"
	CommandHeadersOn    = "ATH1"
	CommandProtocolAuto = "ATSP0"
	CommandProtocolNum  = "ATDPN"
	CommandReadVoltage  = "ATRV"
	CommandIdentify     = "ATI"
	CommandLowPower     = "ATLP"

	CommandSupportedPids = "0100"
	CommandReadDtc       = "03"
	CommandClearDtc      = "04"
	CommandPendingDtc    = "07"

	CR     = "\r"
	Prompt = '>'
)

var protocolNames = map[string]string{
	"0": "Auto",
	"1": "SAE J1850 PWM (41.6 kbaud)",
	"2": "SAE J1850 VPW (10.4 kbaud)",
	"3": "ISO 9141-2 (5 baud init)",
	"4": "ISO 14230-4 KWP (5 baud init)",
	"5": "ISO 14230-4 KWP (fast init)",
	"6": "ISO 15765-4 CAN (11 bit ID, 500 kbaud)",
	"7": "ISO 15765-4 CAN (29 bit ID, 500 kbaud)",
	"8": "ISO 15765-4 CAN (11 bit ID, 250 kbaud)",
	"9": "ISO 15765-4 CAN (29 bit ID, 250 kbaud)",
	"A": "SAE J1939 CAN (29 bit ID, 250 kbaud)",
}

// ProtocolName returns the human readable name for an ATDPN protocol number.
func ProtocolName(num string) string {
	if name, ok := protocolNames[strings.ToUpper(num)]; ok {
		return name
	}
	return "Unknown"
}

// ParseProtocolNumber reads an ATDPN reply such as "A6" (auto, detected 6) or "3".
func ParseProtocolNumber(resp string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(resp))
	s = strings.TrimPrefix(s, "A")
	if len(s) != 1 {
		// "A" alone is protocol A, not auto
		if strings.ToUpper(strings.TrimSpace(resp)) == "A" {
			return "A", true
		}
		return "", false
	}
	if _, ok := protocolNames[s]; !ok {
		return "", false
	}
	return s, true
}

// ParseVoltage parses an ATRV reply like "12.5V".
func ParseVoltage(resp string) (float64, error) {
	s := strings.TrimSpace(strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(resp)), "V"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, NewParseError("parse voltage", resp, err)
	}
	return v, nil
}

// ErrorResponse reports whether an adapter reply is one of the ELM327 error strings,
// returning the matched marker.
func ErrorResponse(resp string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(resp))
	if s == "?" {
		return "?", true
	}
	for _, marker := range []string{
		"NO DATA", "UNABLE TO CONNECT", "BUS INIT", "BUS ERROR", "CAN ERROR",
		"BUFFER FULL", "DATA ERROR", "STOPPED", "ERROR",
	} {
		if strings.Contains(s, marker) {
			return marker, true
		}
	}
	return "", false
}
