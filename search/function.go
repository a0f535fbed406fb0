package search

import "strings"

// Function is the comparison a rule applies. Functions come in pairs: every
// even value is a positive test and the value after it is its negation.
type Function int

const (
	FuncContains Function = iota
	FuncContainsNot
	FuncEquals
	FuncNotEqual
	FuncRegExp
	FuncNotRegExp
	FuncIsGreater
	FuncIsLessOrEqual
	FuncIsLess
	FuncIsGreaterOrEqual
	FuncIsInAddressbook
	FuncIsNotInAddressbook
	FuncIsInCategory
	FuncIsNotInCategory
	FuncHasAttachment
	FuncHasNoAttachment
	FuncStartWith
	FuncNotStartWith
	FuncEndWith
	FuncNotEndWith
	FuncHasInvitation
	FuncHasNoInvitation
	FuncNone
)

var functionNames = [...]string{
	FuncContains:           "contains",
	FuncContainsNot:        "contains-not",
	FuncEquals:             "equals",
	FuncNotEqual:           "not-equal",
	FuncRegExp:             "regexp",
	FuncNotRegExp:          "not-regexp",
	FuncIsGreater:          "greater",
	FuncIsLessOrEqual:      "less-or-equal",
	FuncIsLess:             "less",
	FuncIsGreaterOrEqual:   "greater-or-equal",
	FuncIsInAddressbook:    "is-in-addressbook",
	FuncIsNotInAddressbook: "is-not-in-addressbook",
	FuncIsInCategory:       "is-in-category",
	FuncIsNotInCategory:    "is-not-in-category",
	FuncHasAttachment:      "has-attachment",
	FuncHasNoAttachment:    "has-no-attachment",
	FuncStartWith:          "start-with",
	FuncNotStartWith:       "not-start-with",
	FuncEndWith:            "end-with",
	FuncNotEndWith:         "not-end-with",
	FuncHasInvitation:      "has-invitation",
	FuncHasNoInvitation:    "has-no-invitation",
}

// String returns the persisted name of f, or "" for FuncNone.
func (f Function) String() string {
	if f < 0 || f >= FuncNone {
		return ""
	}
	return functionNames[f]
}

// ParseFunction maps a persisted name back to a Function. Unknown names give
// FuncNone.
func ParseFunction(name string) Function {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range functionNames {
		if n == name {
			return Function(i)
		}
	}
	return FuncNone
}

// IsNegated reports whether f is the negative half of its pair.
func (f Function) IsNegated() bool {
	return f != FuncNone && f%2 == 1
}

// Positive returns the positive half of f's pair.
func (f Function) Positive() Function {
	if f == FuncNone {
		return FuncNone
	}
	return f &^ 1
}

// Negation returns the other half of f's pair.
func (f Function) Negation() Function {
	if f == FuncNone {
		return FuncNone
	}
	return f ^ 1
}

// Functions lists every function except FuncNone.
func Functions() []Function {
	fs := make([]Function, 0, FuncNone)
	for f := FuncContains; f < FuncNone; f++ {
		fs = append(fs, f)
	}
	return fs
}
