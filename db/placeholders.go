package db

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// TranslateQuery normalizes a query to positional $N placeholders and
// returns the ordered argument list.
//
// Named form uses :param tokens; repeated names bind to one position.
// Positional form uses $1..$N with params keyed "1".."N". Mixing both
// forms in one query is an error, as is a placeholder without a value.
// Casts (::type) and quoted literals are left untouched.
func TranslateQuery(query string, params map[string]interface{}) (string, []interface{}, error) {
	var (
		out      strings.Builder
		args     []interface{}
		indexOf  = map[string]int{}
		inString bool
		sawNamed bool
		maxPos   int
	)

	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if c == '\'' {
			inString = !inString
			out.WriteRune(c)
			continue
		}
		if inString {
			out.WriteRune(c)
			continue
		}

		if c == '$' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
			j := i + 1
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			n, _ := strconv.Atoi(string(runes[i+1 : j]))
			if n > maxPos {
				maxPos = n
			}
			out.WriteString(string(runes[i:j]))
			i = j - 1
			continue
		}

		if c == ':' {
			// "::" is a cast
			if i+1 < len(runes) && runes[i+1] == ':' {
				out.WriteString("::")
				i++
				continue
			}
			if i+1 < len(runes) && isIdentStart(runes[i+1]) {
				j := i + 1
				for j < len(runes) && isIdentPart(runes[j]) {
					j++
				}
				name := string(runes[i+1 : j])
				idx, ok := indexOf[name]
				if !ok {
					val, present := params[name]
					if !present {
						return "", nil, fmt.Errorf("missing value for named parameter :%s", name)
					}
					args = append(args, val)
					idx = len(args)
					indexOf[name] = idx
				}
				sawNamed = true
				out.WriteString("$" + strconv.Itoa(idx))
				i = j - 1
				continue
			}
		}

		out.WriteRune(c)
	}

	if sawNamed && maxPos > 0 {
		return "", nil, fmt.Errorf("query mixes named and positional placeholders")
	}

	if maxPos > 0 {
		args = make([]interface{}, maxPos)
		for n := 1; n <= maxPos; n++ {
			val, ok := params[strconv.Itoa(n)]
			if !ok {
				return "", nil, fmt.Errorf("missing value for positional parameter $%d", n)
			}
			args[n-1] = val
		}
	}

	return out.String(), args, nil
}

func isIdentStart(c rune) bool {
	return c == '_' || unicode.IsLetter(c)
}

func isIdentPart(c rune) bool {
	return c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c)
}
