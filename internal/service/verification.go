package service

import (
	"fmt"
	"strings"
)

const CodeLength = 6

type VerificationResult string

const (
	VerificationIncomplete VerificationResult = "incomplete"
	VerificationMismatch   VerificationResult = "mismatch"
	VerificationMatched    VerificationResult = "matched"
)

// Code derives the six digit challenge both the engineer and the branch compute
// on their own from the ticket id. It is guessable from the id and is not a secret.
func Code(ticketID string) string {
	return fmt.Sprintf("%06d", 100000+numericSuffix(ticketID)%900000)
}

// numericSuffix reads the trailing digit run of id, reduced mod 900000 as it goes
// so long ids cannot overflow. No trailing digits yields 0.
func numericSuffix(id string) int {
	start := len(id)
	for start > 0 && id[start-1] >= '0' && id[start-1] <= '9' {
		start--
	}
	n := 0
	for i := start; i < len(id); i++ {
		n = (n*10 + int(id[i]-'0')) % 900000
	}
	return n
}

// CheckCode only reports a mismatch once a full length code has been entered.
func CheckCode(ticketID, entered string) VerificationResult {
	entered = strings.TrimSpace(entered)
	if len(entered) < CodeLength {
		return VerificationIncomplete
	}
	if entered != Code(ticketID) {
		return VerificationMismatch
	}
	return VerificationMatched
}
