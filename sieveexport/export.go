package sieveexport

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/migadu/mailfilter/filter"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/search"
)

var errUnsupported = errors.New("no sieve equivalent")

// Export renders the enabled inbound filters as a Sieve script and checks
// that the result loads.
func Export(filters []*filter.Filter) (string, error) {
	var (
		blocks   []string
		requires = map[string]bool{}
	)
	for _, f := range filters {
		if f == nil || !f.Enabled || !f.AppliesTo(filter.Inbound) {
			continue
		}
		block, req, err := exportFilter(f)
		if err != nil {
			logger.Info("SIEVE: filter not exported", "filter", f.Name, "reason", err)
			blocks = append(blocks, fmt.Sprintf("# Filter %s skipped: %v\n", comment(f.Name), err))
			continue
		}
		for _, r := range req {
			requires[r] = true
		}
		blocks = append(blocks, block)
	}

	var b strings.Builder
	if len(requires) > 0 {
		names := make([]string, 0, len(requires))
		for r := range requires {
			names = append(names, r)
		}
		sort.Strings(names)
		b.WriteString("require " + stringList(names) + ";\n")
	}
	for _, block := range blocks {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(block)
	}

	script := b.String()
	if script == "" {
		return "", nil
	}
	if err := Validate(script); err != nil {
		return "", fmt.Errorf("exported script does not load: %w", err)
	}
	return script, nil
}

func exportFilter(f *filter.Filter) (string, []string, error) {
	test, requires, err := patternTest(f.Pattern)
	if err != nil {
		return "", nil, err
	}

	var (
		body    strings.Builder
		actions int
	)
	for _, a := range f.Actions {
		if a.IsEmpty() {
			continue
		}
		code := a.SieveCode()
		if code == "" {
			fmt.Fprintf(&body, "    # %s: %v\n", comment(a.Label()), errUnsupported)
			continue
		}
		for _, line := range strings.Split(code, "\n") {
			body.WriteString("    " + line + "\n")
		}
		requires = append(requires, a.SieveRequires()...)
		actions++
	}
	if actions == 0 {
		return "", nil, errors.New("no action has a sieve equivalent")
	}
	if f.StopProcessingHere {
		body.WriteString("    stop;\n")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Filter %s\n", comment(f.Name))
	fmt.Fprintf(&b, "if %s {\n", test)
	b.WriteString(body.String())
	b.WriteString("}\n")
	return b.String(), requires, nil
}

// patternTest joins the non-empty rules the way Pattern.Matches does: an
// and-pattern without rules matches everything, an or-pattern nothing.
func patternTest(p *search.Pattern) (string, []string, error) {
	if p == nil || p.Op == search.OpAll {
		return "true", nil, nil
	}

	var (
		tests    []string
		requires []string
	)
	for _, r := range p.Rules() {
		if r.IsEmpty() {
			continue
		}
		test, req, err := ruleTest(r)
		if err != nil {
			return "", nil, fmt.Errorf("rule %s: %w", r, err)
		}
		tests = append(tests, test)
		requires = append(requires, req...)
	}

	switch {
	case len(tests) == 0 && p.Op == search.OpOr:
		return "false", nil, nil
	case len(tests) == 0:
		return "true", nil, nil
	case len(tests) == 1:
		return tests[0], requires, nil
	case p.Op == search.OpOr:
		return "anyof (" + strings.Join(tests, ", ") + ")", requires, nil
	default:
		return "allof (" + strings.Join(tests, ", ") + ")", requires, nil
	}
}

var recipientHeaders = []string{"To", "Cc", "Bcc"}

func ruleTest(r search.Rule) (string, []string, error) {
	field := strings.TrimSpace(r.Field())
	switch search.ParseField(field) {
	case search.FieldHeader:
		return headerTest([]string{field}, r.Function(), r.Contents())
	case search.FieldRecipients:
		// Negated equality holds when any one header differs, which
		// a single header test cannot say.
		if r.Function() == search.FuncNotEqual {
			return "", nil, errUnsupported
		}
		return headerTest(recipientHeaders, r.Function(), r.Contents())
	case search.FieldSize:
		return sizeTest(r.Function(), r.Contents())
	}
	return "", nil, errUnsupported
}

func headerTest(headers []string, fn search.Function, contents string) (string, []string, error) {
	var (
		match    string
		value    = contents
		requires []string
	)
	switch fn.Positive() {
	case search.FuncContains:
		match = ":contains"
	case search.FuncEquals:
		match = ":is"
	case search.FuncRegExp:
		match = ":regex"
		requires = []string{"regex"}
	case search.FuncStartWith:
		match = `:comparator "i;octet" :matches`
		value = escapeWildcards(contents) + "*"
		requires = []string{"comparator-i;octet"}
	case search.FuncEndWith:
		match = `:comparator "i;octet" :matches`
		value = "*" + escapeWildcards(contents)
		requires = []string{"comparator-i;octet"}
	default:
		return "", nil, errUnsupported
	}

	names := stringList(headers)
	test := fmt.Sprintf("header %s %s %s", match, names, quote(value))
	if fn.IsNegated() {
		test = fmt.Sprintf(`allof (header :matches %s "?*", not %s)`, names, test)
	}
	return test, requires, nil
}

func sizeTest(fn search.Function, contents string) (string, []string, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(contents), 10, 64)
	if err != nil {
		return "", nil, errUnsupported
	}

	var test string
	switch fn.Positive() {
	case search.FuncIsGreater:
		test = fmt.Sprintf("size :over %d", n)
	case search.FuncIsLess:
		test = fmt.Sprintf("size :under %d", n)
	case search.FuncEquals:
		test = fmt.Sprintf("allof (not size :over %d, not size :under %d)", n, n)
	default:
		return "", nil, errUnsupported
	}
	if fn.IsNegated() {
		test = "not " + test
	}
	return test, nil, nil
}

// quote writes s as a Sieve quoted string.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func stringList(values []string) string {
	if len(values) == 1 {
		return quote(values[0])
	}
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quote(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// escapeWildcards makes s match literally inside a :matches key.
func escapeWildcards(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)
	return r.Replace(s)
}

// comment makes s safe for a single-line comment.
func comment(s string) string {
	return strconv.Quote(strings.Join(strings.Fields(s), " "))
}
