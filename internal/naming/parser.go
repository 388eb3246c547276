// Package naming is the concrete replication.NameParser collaborator:
// it recognizes a snapshot name against a strftime-style naming
// schema (e.g. "auto-%Y-%m-%d_%H-%M-%S") and extracts its datetime.
// Name parsing is explicitly outside the replication core's own scope
// (spec.md item iii/Non-goals); this package is the default
// implementation the core consults through the interface.
//
// No pack example implements strftime-pattern parsing in the
// direction this needs (format-a-time-into-a-string libraries like
// lestrrat-go/strftime go the other way); this is built directly on
// regexp/time/strconv, same as the teacher's own snapshot-name
// handling in internal/zfs does for its own (simpler) name shapes.
package naming

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// directive maps one strftime verb to the regexp group that matches
// it and the number of digits it captures.
type directive struct {
	pattern string
	digits  int
}

var directives = map[byte]directive{
	'Y': {`(\d{4})`, 4},
	'y': {`(\d{2})`, 2},
	'm': {`(\d{2})`, 2},
	'd': {`(\d{2})`, 2},
	'H': {`(\d{2})`, 2},
	'M': {`(\d{2})`, 2},
	'S': {`(\d{2})`, 2},
}

// compiled is a schema turned into a regexp plus the field order its
// capture groups appear in.
type compiled struct {
	re     *regexp.Regexp
	fields []byte
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*compiled{}
)

// Parser implements replication.NameParser.
type Parser struct{}

// Parse matches name against every schema in schemas (in order) and
// returns the first match's datetime, the matching schema and true;
// ok is false if no schema recognized the name, per spec.md §4.B.1's
// "unparseable names are dropped" rule.
func (Parser) Parse(name string, schemas []string) (time.Time, string, bool) {
	for _, schema := range schemas {
		c, err := compile(schema)
		if err != nil {
			continue
		}
		m := c.re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		t, ok := assemble(c.fields, m[1:])
		if ok {
			return t, schema, true
		}
	}
	return time.Time{}, "", false
}

func compile(schema string) (*compiled, error) {
	cacheMu.Lock()
	if c, ok := cache[schema]; ok {
		cacheMu.Unlock()
		return c, nil
	}
	cacheMu.Unlock()

	var b strings.Builder
	b.WriteByte('^')
	var fields []byte

	for i := 0; i < len(schema); i++ {
		ch := schema[i]
		if ch == '%' && i+1 < len(schema) {
			verb := schema[i+1]
			if verb == '%' {
				b.WriteString(regexp.QuoteMeta("%"))
				i++
				continue
			}
			d, ok := directives[verb]
			if !ok {
				return nil, fmt.Errorf("naming schema %q: unsupported directive %%%c", schema, verb)
			}
			b.WriteString(d.pattern)
			fields = append(fields, verb)
			i++
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(ch)))
	}
	b.WriteByte('$')

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("naming schema %q: %w", schema, err)
	}

	c := &compiled{re: re, fields: fields}
	cacheMu.Lock()
	cache[schema] = c
	cacheMu.Unlock()
	return c, nil
}

func assemble(fields []byte, groups []string) (time.Time, bool) {
	year, month, day, hour, min, sec := 0, 1, 1, 0, 0, 0
	for i, f := range fields {
		n, err := strconv.Atoi(groups[i])
		if err != nil {
			return time.Time{}, false
		}
		switch f {
		case 'Y':
			year = n
		case 'y':
			year = 2000 + n
		case 'm':
			month = n
		case 'd':
			day = n
		case 'H':
			hour = n
		case 'M':
			min = n
		case 'S':
			sec = n
		}
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC), true
}
