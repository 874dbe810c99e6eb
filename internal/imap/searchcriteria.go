package imap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xmit-sh/mailgateway/internal/upstream"
)

// oneArgKeywords are SEARCH keywords that consume exactly one following
// token as their value.
var oneArgKeywords = map[string]bool{
	"FROM": true, "TO": true, "CC": true, "BCC": true, "SUBJECT": true,
	"BODY": true, "TEXT": true, "KEYWORD": true, "UNKEYWORD": true,
	"HEADER": true, "BEFORE": true, "ON": true, "SINCE": true,
	"SENTBEFORE": true, "SENTON": true, "SENTSINCE": true, "UID": true,
}

var numericArgKeywords = map[string]bool{"LARGER": true, "SMALLER": true}

// ParseSearchCriteria linearly scans a tokenised SEARCH argument list into
// criteria, passed through to the upstream unevaluated. NOT negates the
// next criterion. HEADER takes two arguments (field name, value).
func ParseSearchCriteria(tokens []string) ([]upstream.SearchCriterion, error) {
	var out []upstream.SearchCriterion
	i := 0
	for i < len(tokens) {
		tok := strings.ToUpper(tokens[i])
		not := false
		if tok == "NOT" {
			not = true
			i++
			if i >= len(tokens) {
				return nil, fmt.Errorf("imap: NOT with no following criterion")
			}
			tok = strings.ToUpper(tokens[i])
		}

		switch {
		case tok == "HEADER":
			if i+2 >= len(tokens) {
				return nil, fmt.Errorf("imap: HEADER requires field and value")
			}
			out = append(out, upstream.SearchCriterion{Key: tok, Value: tokens[i+1] + " " + tokens[i+2], Not: not})
			i += 3
		case oneArgKeywords[tok]:
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("imap: %s requires an argument", tok)
			}
			out = append(out, upstream.SearchCriterion{Key: tok, Value: tokens[i+1], Not: not})
			i += 2
		case numericArgKeywords[tok]:
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("imap: %s requires a numeric argument", tok)
			}
			if _, err := strconv.Atoi(tokens[i+1]); err != nil {
				return nil, fmt.Errorf("imap: %s argument not numeric: %w", tok, err)
			}
			out = append(out, upstream.SearchCriterion{Key: tok, Value: tokens[i+1], Not: not})
			i += 2
		default:
			out = append(out, upstream.SearchCriterion{Key: tok, Not: not})
			i++
		}
	}
	return out, nil
}
