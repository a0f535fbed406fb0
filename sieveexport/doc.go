// Package sieveexport turns filters into a Sieve script (RFC 5228) and runs
// Sieve scripts against messages.
//
// # Export
//
// Export writes one block per enabled inbound filter:
//
//	require ["fileinto", "imap4flags"];
//
//	# Filter "Invoices"
//	if allof (header :contains "Subject" "invoice", size :over 1000) {
//	    fileinto "Invoices";
//	    addflag "\\Seen";
//	    stop;
//	}
//
// Only rules with an exact Sieve counterpart are translated: header rules,
// the <recipients> pseudo field and <size>. A filter with any other rule is
// left out of the script, since dropping a rule would change what the filter
// matches. Actions without Sieve code are noted as comments.
//
// Negated string tests only hold for messages that carry a non-empty value,
// the same as the filter engine, so they are guarded with a ":matches "?*""
// test.
//
// # Evaluation
//
// Executor loads a script with go-sieve and evaluates it for a single
// message. The Result reports the first fileinto or redirect target, the
// flags and the editheader changes, which ApplyHeaderEdits writes back into
// the message.
package sieveexport
