package sandbox

import (
	"strings"
)

// AllowedModules are the only modules generated code may import. Submodules of an allowed
// module are allowed too.
var AllowedModules = []string{
	"pandas", "numpy", "plotly", "plotly.express", "plotly.graph_objects", "plotly.subplots",
	"datetime", "re", "math", "json",
}

// forbiddenPatterns disable the whole line they appear in
var forbiddenPatterns = []string{"os.system", "subprocess", "eval(", "exec(", "__import__", "open("}

// Sanitize comments out imports of modules outside AllowedModules and lines with forbidden calls.
// The line count and indentation are preserved, so error line numbers still match the original code.
func Sanitize(code string) string {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		switch {
		case !importAllowed(trimmed):
			lines[i] = indent + "pass  # removed disallowed import: " + trimmed
		case containsForbidden(trimmed):
			lines[i] = indent + "pass  # removed unsafe call: " + trimmed
		}
	}
	return strings.Join(lines, "\n")
}

// importAllowed returns true for non-import lines and imports of allowed modules only
func importAllowed(stmt string) bool {
	var modules []string
	switch {
	case strings.HasPrefix(stmt, "import "):
		for part := range strings.SplitSeq(strings.TrimPrefix(stmt, "import "), ",") {
			fields := strings.Fields(part) // "numpy as np"
			if len(fields) == 0 {
				return false
			}
			modules = append(modules, fields[0])
		}
	case strings.HasPrefix(stmt, "from "):
		fields := strings.Fields(stmt)
		if len(fields) < 4 || fields[2] != "import" {
			return false
		}
		modules = append(modules, fields[1])
	default:
		return true
	}

	for _, m := range modules {
		if !ModuleAllowed(m) {
			return false
		}
	}
	return true
}

// ModuleAllowed checks a dotted module name against AllowedModules
func ModuleAllowed(name string) bool {
	name = strings.TrimSpace(strings.TrimSuffix(name, ";"))
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	root, _, _ := strings.Cut(name, ".")
	for _, a := range AllowedModules {
		if name == a || root == a {
			return true
		}
	}
	return false
}

func containsForbidden(stmt string) bool {
	for _, p := range forbiddenPatterns {
		if strings.Contains(stmt, p) {
			return true
		}
	}
	return false
}
