// Package bounce classifies SMTP failure responses into bounce
// categories that drive suppression policy.
package bounce

import (
	"strconv"
	"strings"
)

// Class is the severity category of a bounce
type Class string

const (
	// ClassHard marks permanent failures; the address is suppressed
	// indefinitely.
	ClassHard Class = "hard"
	// ClassSoft marks transient failures; suppression expires.
	ClassSoft Class = "soft"
	// ClassBlock marks reputation or policy blocks reported by
	// external feedback. The classifier never produces it, but
	// ingested events may carry it.
	ClassBlock Class = "block"
)

// Classify maps an SMTP response to a bounce class. Codes 550-554 are
// permanent rejections; 421 and 450-452 are transient. Anything else,
// including unparseable responses, is treated as soft so a delivery
// problem on our side never permanently burns an address.
func Classify(smtpResponse string) Class {
	code := responseCode(smtpResponse)
	switch {
	case code >= 550 && code <= 554:
		return ClassHard
	case code == 421 || (code >= 450 && code <= 452):
		return ClassSoft
	default:
		return ClassSoft
	}
}

// Permanent reports whether the class warrants an indefinite
// suppression
func Permanent(c Class) bool {
	return c == ClassHard || c == ClassBlock
}

func responseCode(response string) int {
	s := strings.TrimSpace(response)
	if len(s) < 3 {
		return 0
	}
	code, err := strconv.Atoi(s[:3])
	if err != nil {
		return 0
	}
	return code
}
