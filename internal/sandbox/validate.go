package sandbox

import (
	"regexp"

	"github.com/dop251/goja"
)

var invokeDecl = regexp.MustCompile(`(?m)(\bfunction\s+invoke\s*\(|\b(?:var|let|const)\s+invoke\s*=|^\s*invoke\s*=)`)

// Validate compiles script without running it and checks that it declares an
// invoke entry point.
func Validate(script string) error {
	if _, err := goja.Compile("tool.js", script, false); err != nil {
		return &ScriptError{Message: err.Error(), Err: err}
	}
	if !invokeDecl.MatchString(script) {
		return &ScriptError{Message: "script does not define invoke()"}
	}
	return nil
}
