package search

import "strings"

// FieldTag is the parsed form of a rule's field.
type FieldTag int

const (
	FieldHeader FieldTag = iota
	FieldMessage
	FieldBody
	FieldAnyHeader
	FieldRecipients
	FieldSize
	FieldAgeInDays
	FieldDate
	FieldStatus
	FieldTags
	FieldEncryption
	FieldAttachment
)

type ruleKind int

const (
	kindString ruleKind = iota
	kindNumerical
	kindDate
	kindStatus
	kindEncryption
)

func (k ruleKind) String() string {
	switch k {
	case kindNumerical:
		return "numerical"
	case kindDate:
		return "date"
	case kindStatus:
		return "status"
	case kindEncryption:
		return "encryption"
	default:
		return "string"
	}
}

type fieldInfo struct {
	tag  FieldTag
	kind ruleKind
	part RequiredPart
}

var pseudoFields = map[string]fieldInfo{
	"<message>":     {FieldMessage, kindString, CompleteMessage},
	"<body>":        {FieldBody, kindString, CompleteMessage},
	"<any header>":  {FieldAnyHeader, kindString, Header},
	"<recipients>":  {FieldRecipients, kindString, Envelope},
	"<size>":        {FieldSize, kindNumerical, Envelope},
	"<age in days>": {FieldAgeInDays, kindNumerical, Envelope},
	"<date>":        {FieldDate, kindDate, Envelope},
	"<status>":      {FieldStatus, kindStatus, Envelope},
	"<tag>":         {FieldTags, kindString, Envelope},
	"<encryption>":  {FieldEncryption, kindEncryption, CompleteMessage},
	"<attachment>":  {FieldAttachment, kindString, CompleteMessage},
}

// Headers that are part of the envelope and need no header fetch.
var envelopeHeaders = map[string]bool{
	"subject":     true,
	"from":        true,
	"sender":      true,
	"reply-to":    true,
	"to":          true,
	"cc":          true,
	"bcc":         true,
	"in-reply-to": true,
	"message-id":  true,
	"references":  true,
}

func lookupField(field string) fieldInfo {
	key := strings.ToLower(strings.TrimSpace(field))
	if info, ok := pseudoFields[key]; ok {
		return info
	}
	if envelopeHeaders[key] {
		return fieldInfo{FieldHeader, kindString, Envelope}
	}
	return fieldInfo{FieldHeader, kindString, Header}
}

// ParseField returns the tag of a rule field. Real header names give
// FieldHeader.
func ParseField(field string) FieldTag {
	return lookupField(field).tag
}

// PseudoFields lists the bracketed field names rules understand.
func PseudoFields() []string {
	return []string{
		"<message>", "<body>", "<any header>", "<recipients>", "<size>",
		"<age in days>", "<date>", "<status>", "<tag>", "<encryption>", "<attachment>",
	}
}
