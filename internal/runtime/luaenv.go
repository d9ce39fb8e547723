package runtime

import (
	"errors"
	"fmt"

	"github.com/Shopify/go-lua"
)

// ScriptEnv executes one workflow script inside a sandboxed Lua state.
// The script runs exactly once per process; its return value is the
// procedure's declared output.
type ScriptEnv struct{}

const luaGlobalTableName = "_G"

var ErrScriptLoad = errors.New("script load error")

// Globals removed from the sandbox before the script runs
var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile",
	"load", "loadstring", "print",
}

// NewScriptEnv creates a script execution environment
func NewScriptEnv() *ScriptEnv {
	return &ScriptEnv{}
}

// Run executes the script text with bind installing the capability
// globals first. It returns the script's return value converted to a Go
// value. Lua errors surface as the ProtectedCall error; suspension is
// detected by the caller through the execution context. The after hook,
// when given, runs before the state is torn down on every path past
// load, letting the caller capture globals even when the script
// unwound.
func (e *ScriptEnv) Run(
	script string, bind, after func(*lua.State),
) (any, error) {
	l := lua.NewState()
	e.setupSandbox(l)
	bind(l)

	if err := lua.LoadString(l, script); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScriptLoad, err)
	}

	if after != nil {
		defer after(l)
	}

	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return nil, err
	}

	result := toValue(l, -1)
	l.Pop(1)
	return result, nil
}

// Validate checks the script for syntax errors without running it
func (e *ScriptEnv) Validate(script string) error {
	l := lua.NewState()
	e.setupSandbox(l)
	if err := lua.LoadString(l, script); err != nil {
		return fmt.Errorf("%w: %w", ErrScriptLoad, err)
	}
	return nil
}

func (e *ScriptEnv) setupSandbox(l *lua.State) {
	lua.OpenLibraries(l)
	l.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		l.PushNil()
		l.SetField(luaGlobalTableIndex, name)
	}
	l.Pop(1)
}
