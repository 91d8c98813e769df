package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"pipegen/internal/ctlerr"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteVariables replaces ${VAR} placeholders with bindings from env.
// In EnvStrict mode, any placeholder without a binding fails with
// MISSING_ENV naming every unbound variable; in EnvLax mode unbound
// placeholders are left untouched.
func substituteVariables(sql string, env map[string]string, mode EnvMode) (string, error) {
	var missing []string
	result := placeholderPattern.ReplaceAllStringFunc(sql, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if val, ok := env[name]; ok {
			return val
		}
		if mode == EnvStrict {
			missing = append(missing, name)
		}
		return match
	})

	if mode == EnvStrict && len(missing) > 0 {
		return "", ctlerr.New(ctlerr.MissingEnv, fmt.Sprintf("missing bindings for: %s", strings.Join(missing, ", ")))
	}
	return result, nil
}
