package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// programCache compiles each distinct CEL expression string once, mirroring
// the teacher's CELEvaluator.CompileExpression/cache-by-id split, narrowed
// here to cache-by-expression-text since ExpressionCondition nodes carry no
// separate identifier.
type programCache struct {
	mu    sync.RWMutex
	progs map[string]cel.Program
}

func newProgramCache() programCache {
	return programCache{progs: make(map[string]cel.Program)}
}

func (c *programCache) getOrCompile(env *cel.Env, expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.progs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression condition %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression condition %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("expression condition %q: %w", expr, err)
	}

	c.mu.Lock()
	c.progs[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

func errNotBool(expr string) error {
	return fmt.Errorf("expression condition %q did not evaluate to a bool", expr)
}
