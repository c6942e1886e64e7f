// Package ejudge decodes the key/value report printed by the ejudge-execute
// sandbox after running a contestant's program.
package ejudge

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/lerna-cp/tester/verdict"
)

// ErrMalformedProtocol is wrapped by every parse failure: a missing or
// unknown Status, or a numeric field that is not an integer.
var ErrMalformedProtocol = errors.New("malformed sandbox protocol")

// Protocol is the typed form of one sandbox run report.
//
// CPUTime and RealTime are milliseconds, VMSize is bytes, exactly as the
// sandbox reports them. Scaling by the configured time multiplier is the
// pipeline's job, not the parser's.
type Protocol struct {
	Verdict  verdict.Verdict
	CPUTime  int64
	RealTime int64
	VMSize   int64
}

// Parse decodes the raw bytes the sandbox printed on stdout.
//
// The format is one record per line, "Key: Value". Status is required and
// must be one of OK/TL/ML/RT/SV; CPUTime, RealTime and VMSize are optional
// integers defaulting to zero. Unknown keys are ignored and a repeated key
// takes its last value.
func Parse(raw []byte) (Protocol, error) {
	var p Protocol
	seenStatus := false

	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		key, value, found := bytes.Cut(line, []byte(": "))
		if !found {
			continue
		}
		switch string(key) {
		case "Status":
			v, err := verdict.FromStatus(string(value))
			if err != nil {
				return Protocol{}, fmt.Errorf("%w: %v", ErrMalformedProtocol, err)
			}
			p.Verdict = v
			seenStatus = true
		case "CPUTime":
			n, err := parseInt("CPUTime", value)
			if err != nil {
				return Protocol{}, err
			}
			p.CPUTime = n
		case "RealTime":
			n, err := parseInt("RealTime", value)
			if err != nil {
				return Protocol{}, err
			}
			p.RealTime = n
		case "VMSize":
			n, err := parseInt("VMSize", value)
			if err != nil {
				return Protocol{}, err
			}
			p.VMSize = n
		}
	}

	if !seenStatus {
		return Protocol{}, fmt.Errorf("%w: no Status reported", ErrMalformedProtocol)
	}
	return p, nil
}

func parseInt(key string, value []byte) (int64, error) {
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not an integer: %q", ErrMalformedProtocol, key, value)
	}
	return n, nil
}

// Format renders the protocol back into the sandbox's wire form.
//
// Parse(Format(p)) returns p for every protocol whose verdict the sandbox
// can report; used by tests and by tools that replay captured runs.
func Format(p Protocol) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Status: %s\n", string(p.Verdict))
	fmt.Fprintf(&buf, "CPUTime: %d\n", p.CPUTime)
	fmt.Fprintf(&buf, "RealTime: %d\n", p.RealTime)
	fmt.Fprintf(&buf, "VMSize: %d\n", p.VMSize)
	return buf.Bytes()
}
