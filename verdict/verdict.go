// Package verdict defines the closed set of judging outcomes and the
// mappings from external exit conventions onto it.
package verdict

import "fmt"

// Verdict is the outcome of running a single test.
//
// The two-letter codes follow the ejudge convention. A verdict arrives from
// one of two sources: the sandbox reports OK/TL/ML/RT/SV through its text
// protocol, and the checker refines OK into OK/WA/PE/SE through its exit
// code. IL is never reported directly; the pipeline promotes TL to IL when
// the CPU clock is under the limit but the wall clock is not.
type Verdict string

const (
	OK Verdict = "OK"
	TL Verdict = "TL"
	IL Verdict = "IL"
	ML Verdict = "ML"
	RT Verdict = "RT"
	SV Verdict = "SV"
	WA Verdict = "WA"
	PE Verdict = "PE"
	SE Verdict = "SE"
)

// labels maps each verdict to the human string stored in the database and
// printed to the console.
var labels = map[Verdict]string{
	OK: "OK",
	TL: "Time limit exceeded",
	IL: "Idleness limit exceeded",
	ML: "Memory limit exceeded",
	RT: "Run-time error",
	SV: "Security violation",
	WA: "Wrong answer",
	PE: "Presentation error",
	SE: "System error",
}

// Label returns the human-readable form of the verdict, e.g.
// "Time limit exceeded" for TL.
func (v Verdict) Label() string {
	if l, ok := labels[v]; ok {
		return l
	}
	return string(v)
}

// FromStatus maps a sandbox Status value onto a Verdict.
//
// Only the five statuses the sandbox can report are accepted; anything else
// is a protocol violation and returns an error.
func FromStatus(status string) (Verdict, error) {
	switch v := Verdict(status); v {
	case OK, TL, ML, RT, SV:
		return v, nil
	default:
		return "", fmt.Errorf("unknown sandbox status %q", status)
	}
}

// FromCheckerExitCode maps a testlib-compatible checker exit code onto a
// Verdict: 0 = OK, 1 = WA, 2 = PE, anything else = SE.
//
// The mapping is total: a checker that crashes, is killed, or returns a
// code outside the convention yields a system error rather than a judgment.
func FromCheckerExitCode(code int) Verdict {
	switch code {
	case 0:
		return OK
	case 1:
		return WA
	case 2:
		return PE
	default:
		return SE
	}
}
