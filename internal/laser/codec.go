package laser

import (
	"fmt"
	"strconv"
	"strings"
)

// Discovery NX ASCII protocol. Commands are sent as a single line
// terminated by <CR><LF>; the instrument may echo the command back and
// may prefix replies with a "Chameleon>" prompt depending on its
// configuration, so both are detected at open time and stripped here.

// Query strings.
const (
	qEcho            = "?E"
	qStandby         = "?L"
	qShutterVariable = "?S"
	qShutterFixed    = "?SFIXED"
	qKeyswitch       = "?K"
	qFaults          = "?F"
	qFaultText       = "?FT"
	qTuning          = "?TS"
	qAlignVariable   = "?ALIGNVAR"
	qAlignFixed      = "?ALIGNFIXED"
	qStatusText      = "?ST"
	qWavelength      = "?WV"
	qPowerVariable   = "?PVAR"
	qPowerFixed      = "?PFIXED"
	qGDDCurve        = "?GDDCURVE"
	qGDDCurveName    = "?GDDCURVEN"
	qGDD             = "?GDD"
	qSerial          = "?SN"
)

// cmdHeartbeat keeps the instrument's session watchdog fed.
const cmdHeartbeat = "HB"

// cmdFaultClear clears latched faults.
const cmdFaultClear = "FC"

func cmdEcho(on bool) string {
	return "E=" + onOff(on)
}

func cmdStandby(standby bool) string {
	// L=0 is standby, L=1 is emitting.
	if standby {
		return "L=0"
	}
	return "L=1"
}

func cmdWavelength(nm float64) string {
	return fmt.Sprintf("WV=%s", formatFloat(nm))
}

func cmdGDD(fs2 float64) string {
	return fmt.Sprintf("GDD=%s", formatFloat(fs2))
}

func cmdGDDCurve(index int) string {
	return fmt.Sprintf("GDDCURVE=%d", index)
}

func cmdShutter(path Path, state ShutterState) string {
	v := "0"
	if state == ShutterOpen {
		v = "1"
	}
	if path == PathFixed {
		return "SFIXED=" + v
	}
	return "S=" + v
}

func cmdAlignment(path Path, on bool) string {
	if path == PathFixed {
		return "ALIGNFIXED=" + onOff(on)
	}
	return "ALIGN=" + onOff(on)
}

func onOff(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

// formatFloat renders a value the way the instrument expects: shortest
// decimal form, no exponent for the magnitudes in play here.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// nackText appears in place of an echo when the instrument refuses a
// command, for example a wavelength outside its calibrated range.
const nackText = "COMMAND NOT EXECUTED"

// promptText prefixes every reply when the instrument's prompt mode is
// enabled. The Discovery shares its firmware lineage with the Chameleon
// series, hence the name.
const promptText = "Chameleon>"

// parseReply strips the prompt and the echoed command from a raw reply
// line and returns the payload. sent is the exact command or query string
// that produced the line. echo and prompt describe the instrument modes
// detected at open time.
func parseReply(raw, sent string, echo, prompt bool) (string, error) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.Contains(line, nackText) {
		return "", ErrCommandRejected
	}
	if prompt {
		_, rest, found := strings.Cut(line, promptText)
		if !found {
			return "", fmt.Errorf("laser: missing prompt in reply %q", raw)
		}
		line = rest
	}
	line = strings.TrimSpace(line)
	if !echo {
		return line, nil
	}
	rest, found := strings.CutPrefix(line, sent)
	if !found {
		return "", fmt.Errorf("laser: echo mismatch, sent %q got %q", sent, raw)
	}
	return strings.TrimSpace(rest), nil
}

// parseCommandReply validates the reply to a settings command, which
// carries no payload beyond the echo.
func parseCommandReply(raw, sent string, echo, prompt bool) error {
	payload, err := parseReply(raw, sent, echo, prompt)
	if err != nil {
		return err
	}
	if payload != "" {
		return fmt.Errorf("laser: unexpected payload %q in reply to %q", payload, sent)
	}
	return nil
}

func parseFlag(payload string) (bool, error) {
	switch strings.TrimSpace(payload) {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("laser: expected 0 or 1, got %q", payload)
}

func parseShutter(payload string) (ShutterState, error) {
	open, err := parseFlag(payload)
	if err != nil {
		return "", err
	}
	if open {
		return ShutterOpen, nil
	}
	return ShutterClosed, nil
}

func parseFloat(payload string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return 0, fmt.Errorf("laser: unparseable number %q", payload)
	}
	return v, nil
}

func parseInt(payload string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("laser: unparseable integer %q", payload)
	}
	return v, nil
}
