package sqlstore

import (
	"strings"
	"unicode"

	"github.com/go-openapi/inflect"

	"github.com/syssam/tether/metadata"
)

var rules = inflect.NewDefaultRuleset()

// TableName returns the default table of an entity type: the snake_case
// plural of its hierarchy root, e.g. "BlogPost" maps to "blog_posts".
func TableName(t *metadata.EntityType) string {
	return snake(rules.Pluralize(t.Root().Name))
}

// ColumnName returns the default column of a property: its snake_case
// name, e.g. "BlogID" maps to "blog_id".
func ColumnName(p *metadata.Property) string {
	return snake(p.Name)
}

// snake converts a Go identifier to snake_case, keeping acronyms together.
func snake(s string) string {
	var (
		j int
		b strings.Builder
	)
	for i := 0; i < len(s); i++ {
		r := rune(s[i])
		// Put '_' if it is not a start or end of a word, current letter is uppercase,
		// and previous is lowercase (cases like: "UserInfo"), or next letter is also
		// a lowercase and previous letter is not "_".
		if i > 0 && i < len(s)-1 && unicode.IsUpper(r) {
			if unicode.IsLower(rune(s[i-1])) ||
				j != i-1 && unicode.IsLower(rune(s[i+1])) && unicode.IsLetter(rune(s[i-1])) {
				j = i
				b.WriteString("_")
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
