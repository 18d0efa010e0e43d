package agents

import "strings"

// complexityKeywords mark a query as COMPLEX regardless of length: verbs
// that ask for construction or multi-step analysis.
var complexityKeywords = []string{
	"code", "script", "program", "function",
	"write", "create", "implement", "build",
	"design", "develop", "compare", "analyze",
	"optimize", "integrate", "refactor", "migrate",
	"plan", "architecture", "pipeline", "workflow",
}

// codeKeywords mark an explicit code request; without one the coder
// stage is skipped entirely.
var codeKeywords = []string{
	"code", "script", "program", "function",
	"write", "create", "implement", "build",
}

// Classify labels a query SIMPLE when it is at most ten whitespace
// tokens and carries no complexity keyword; everything else is COMPLEX.
func Classify(input string) string {
	if len(strings.Fields(input)) <= 10 && !containsAny(input, complexityKeywords) {
		return Simple
	}
	return Complex
}

// CodeRequested reports whether the query explicitly asks for code.
func CodeRequested(input string) bool {
	return containsAny(input, codeKeywords)
}

func containsAny(input string, keywords []string) bool {
	lower := strings.ToLower(input)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
