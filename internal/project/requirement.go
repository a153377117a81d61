package project

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/cruciblehq/uvimage/internal/fault"
)

// A dependency declaration in PEP 508 form.
//
// Only the parts relevant to lock consistency are kept. Specifier and marker
// are stored in a canonical spelling so two declarations that differ only in
// whitespace, clause order or quoting compare equal.
type Requirement struct {
	Name      string   // Normalized distribution name.
	Extras    []string // Sorted, normalized extras.
	Specifier string   // Canonical version specifier, e.g. ">=1.0,<2".
	URL       string   // Direct reference ("name @ url"), if any.
	Marker    string   // Canonical environment marker, if any.
}

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?`)
	separator = regexp.MustCompile(`[-_.]+`)
	spaces    = regexp.MustCompile(`\s+`)
)

// Returns the PEP 503 normalized form of a distribution or extra name.
func NormalizeName(name string) string {
	return separator.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// Parses a PEP 508 requirement string.
func ParseRequirement(s string) (Requirement, error) {
	body, marker, _ := strings.Cut(s, ";")
	body = strings.TrimSpace(body)

	name := nameRe.FindString(body)
	if name == "" {
		return Requirement{}, fault.Wrapf(ErrRequirement, "%q: missing distribution name", s)
	}
	rest := strings.TrimSpace(body[len(name):])

	req := Requirement{
		Name:   NormalizeName(name),
		Marker: canonicalMarker(marker),
	}

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return Requirement{}, fault.Wrapf(ErrRequirement, "%q: unterminated extras", s)
		}
		for _, e := range strings.Split(rest[1:end], ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, NormalizeName(e))
			}
		}
		slices.Sort(req.Extras)
		req.Extras = slices.Compact(req.Extras)
		rest = strings.TrimSpace(rest[end+1:])
	}

	if url, ok := strings.CutPrefix(rest, "@"); ok {
		req.URL = strings.TrimSpace(url)
		if req.URL == "" {
			return Requirement{}, fault.Wrapf(ErrRequirement, "%q: empty direct reference", s)
		}
		return req, nil
	}

	rest = strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")")
	spec, err := CanonicalSpecifier(rest)
	if err != nil {
		return Requirement{}, fault.Wrapf(ErrRequirement, "%q: %w", s, err)
	}
	req.Specifier = spec

	return req, nil
}

// Returns the canonical spelling of a comma-separated specifier set.
//
// Whitespace is removed and clauses are sorted. An empty string is valid and
// means "any version".
func CanonicalSpecifier(s string) (string, error) {
	s = spaces.ReplaceAllString(s, "")
	if s == "" {
		return "", nil
	}

	clauses := strings.Split(s, ",")
	for _, c := range clauses {
		if !hasOperator(c) {
			return "", fault.Wrapf(ErrRequirement, "specifier clause %q has no operator", c)
		}
	}
	slices.Sort(clauses)
	return strings.Join(clauses, ","), nil
}

// Operators in match order: longer operators first so "===" is not read as "==".
var operators = []string{"===", "~=", "==", "!=", "<=", ">=", "<", ">"}

func hasOperator(clause string) bool {
	for _, op := range operators {
		if v, ok := strings.CutPrefix(clause, op); ok {
			return v != ""
		}
	}
	return false
}

// Returns the version of an exact pin ("==1.0"), or false when the specifier
// is anything else, including wildcards ("==1.*") and multi-clause sets.
func (r Requirement) Pin() (string, bool) {
	if strings.Contains(r.Specifier, ",") {
		return "", false
	}
	v, ok := strings.CutPrefix(r.Specifier, "==")
	if !ok || strings.HasPrefix(v, "=") || strings.HasSuffix(v, ".*") {
		return "", false
	}
	return v, true
}

// Canonical key used to compare requirement sets. Direct references compare
// by presence only since uv rewrites their URLs when locking.
func (r Requirement) key() string {
	ref := r.Specifier
	if r.URL != "" {
		ref = "@"
	}
	return r.Name + "[" + strings.Join(r.Extras, ",") + "]" + ref + ";" + r.Marker
}

// Renders the requirement back in PEP 508 form.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	if r.URL != "" {
		b.WriteString(" @ " + r.URL)
	} else {
		b.WriteString(r.Specifier)
	}
	if r.Marker != "" {
		b.WriteString("; " + r.Marker)
	}
	return b.String()
}

// Collapses whitespace and unifies quoting so markers written by hand and
// markers written by uv compare equal. Comparisons on python_version are
// rewritten in the python_full_version form uv stores in the lock.
func canonicalMarker(m string) string {
	m = strings.ReplaceAll(m, `"`, `'`)
	m = strings.TrimSpace(spaces.ReplaceAllString(m, " "))
	return pythonVersionRe.ReplaceAllStringFunc(m, fullVersionClause)
}

var pythonVersionRe = regexp.MustCompile(`\bpython_version ?(===|~=|==|!=|<=|>=|<|>) ?'([^']*)'`)

// Rewrites one python_version clause. python_version only carries major and
// minor, so "<= 3.11" covers every 3.11 patch release and becomes "< 3.12".
func fullVersionClause(clause string) string {
	m := pythonVersionRe.FindStringSubmatch(clause)
	op, v := m[1], m[2]

	full := func(op, v string) string {
		return "python_full_version " + op + " '" + v + "'"
	}

	switch op {
	case "<", ">=":
		return full(op, v)
	case "<=", ">":
		next, ok := nextMinor(v)
		if !ok {
			return clause
		}
		if op == "<=" {
			return full("<", next)
		}
		return full(">=", next)
	case "==", "!=":
		if !strings.HasSuffix(v, ".*") {
			v += ".*"
		}
		return full(op, v)
	}
	return clause
}

// Returns the release following a "major.minor" version, e.g. "3.12" for
// "3.11".
func nextMinor(v string) (string, bool) {
	major, minor, ok := strings.Cut(v, ".")
	if !ok || strings.Contains(minor, ".") {
		return "", false
	}
	n, err := strconv.Atoi(minor)
	if err != nil || major == "" {
		return "", false
	}
	return major + "." + strconv.Itoa(n+1), true
}

// Compares two release versions, treating missing trailing release segments
// as zero ("1.0" equals "1.0.0") and ignoring a leading "v".
func SameVersion(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(a)), "v")
	b = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(b)), "v")
	if a == b {
		return true
	}
	return strings.Join(trimZeros(a), ".") == strings.Join(trimZeros(b), ".")
}

func trimZeros(v string) []string {
	segs := strings.Split(v, ".")
	for len(segs) > 1 && isZero(segs[len(segs)-1]) {
		segs = segs[:len(segs)-1]
	}
	return segs
}

func isZero(s string) bool {
	return strings.Trim(s, "0") == "" && s != ""
}
