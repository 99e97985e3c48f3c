package airutil

import "github.com/drone/envsubst"

// ExpandEnv replaces ${var} references with values from the
// environment.
func ExpandEnv(s string) string {
	val, _ := envsubst.EvalEnv(s)
	return val
}

// ExpandVars replaces ${var} references using the given values.
// Unknown references expand to an empty string.
func ExpandVars(s string, vars map[string]string) (string, error) {
	return envsubst.Eval(s, func(k string) string {
		return vars[k]
	})
}
