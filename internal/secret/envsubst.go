package secret

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	bracesPattern = regexp.MustCompile(`\$\{([^{}]+?)\}`)
	simplePattern = regexp.MustCompile(`\$(\w+)`)
)

// expandVars substitutes bash-style variable references in input against
// vars (falling back to the process environment), repeating to a fixed
// point so a default value that itself contains a reference is expanded
// too. Supported forms: $VAR, ${VAR}, ${VAR:-default}, ${VAR-default},
// ${VAR:?error}, ${VAR?error}, ${VAR:+replacement}, ${VAR+replacement}.
// An unset-required-variable reference never fails the whole expansion; its
// error message is substituted inline, matching a shell printing the error
// to its output rather than aborting.
func expandVars(input string, vars map[string]string) string {
	result := input
	last := ""

	for result != last {
		last = result

		result = bracesPattern.ReplaceAllStringFunc(last, func(match string) string {
			inner := match[2 : len(match)-1]

			value, err := expandBraced(inner, vars)
			if err != nil {
				return "ERROR: " + err.Error()
			}

			return value
		})

		result = simplePattern.ReplaceAllStringFunc(result, func(match string) string {
			name := match[1:]

			if value, ok := lookupVar(name, vars); ok {
				return value
			}

			return match
		})
	}

	return result
}

func expandBraced(expr string, vars map[string]string) (string, error) {
	if idx := strings.Index(expr, ":-"); idx >= 0 {
		name, fallback := expr[:idx], expr[idx+2:]

		if value, ok := lookupVar(name, vars); ok && value != "" {
			return value, nil
		}

		return fallback, nil
	}

	if idx := strings.Index(expr, ":?"); idx >= 0 {
		name, msg := expr[:idx], expr[idx+2:]

		if value, ok := lookupVar(name, vars); ok && value != "" {
			return value, nil
		}

		return "", fmt.Errorf("variable %q is unset or empty: %s", name, msg)
	}

	if idx := strings.Index(expr, ":+"); idx >= 0 {
		name, replacement := expr[:idx], expr[idx+2:]

		if value, ok := lookupVar(name, vars); ok && value != "" {
			return replacement, nil
		}

		return "", nil
	}

	if idx := strings.Index(expr, "-"); idx >= 0 {
		name, fallback := expr[:idx], expr[idx+1:]

		if value, ok := lookupVar(name, vars); ok {
			return value, nil
		}

		return fallback, nil
	}

	if idx := strings.Index(expr, "?"); idx >= 0 {
		name, msg := expr[:idx], expr[idx+1:]

		if value, ok := lookupVar(name, vars); ok {
			return value, nil
		}

		return "", fmt.Errorf("variable %q is unset: %s", name, msg)
	}

	if idx := strings.Index(expr, "+"); idx >= 0 {
		name, replacement := expr[:idx], expr[idx+1:]

		if _, ok := lookupVar(name, vars); ok {
			return replacement, nil
		}

		return "", nil
	}

	if value, ok := lookupVar(expr, vars); ok {
		return value, nil
	}

	return "${" + expr + "}", nil
}

func lookupVar(name string, vars map[string]string) (string, bool) {
	if value, ok := vars[name]; ok {
		return value, true
	}

	return os.LookupEnv(name)
}

// ExtractEnvVars returns every variable reference in input, each including
// its $ or ${...} delimiters, without resolving or substituting any of
// them. Used to report which variables an app's configured environment
// depends on (e.g. for a diagnostics endpoint) without needing a vault
// client or process environment to do it. Braced references are listed
// before simple ones, matching the order they're applied in expandVars;
// a duplicate reference appears once per occurrence, not deduplicated.
func ExtractEnvVars(input string) []string {
	var vars []string

	for _, match := range bracesPattern.FindAllString(input, -1) {
		vars = append(vars, match)
	}

	for _, match := range simplePattern.FindAllString(input, -1) {
		vars = append(vars, match)
	}

	return vars
}
