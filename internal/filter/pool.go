package filter

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Pool caches compiled filter programs keyed by their source expression.
// Safe for concurrent use.
type Pool struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewPool creates a pool over a fresh environment.
func NewPool() (*Pool, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	return &Pool{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Filter retrieves or compiles the filter for expr.
func (p *Pool) Filter(expr string) (*Filter, error) {
	program, err := p.program(expr)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, program: program}, nil
}

func (p *Pool) program(expr string) (cel.Program, error) {
	p.mu.RLock()
	if program, ok := p.programs[expr]; ok {
		p.mu.RUnlock()
		return program, nil
	}
	p.mu.RUnlock()

	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter %q produces %s, want bool", expr, ast.OutputType())
	}
	program, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %q: %w", expr, err)
	}

	p.mu.Lock()
	// Another goroutine may have compiled it while we held no lock; keeping
	// either program is fine, last write wins.
	p.programs[expr] = program
	p.mu.Unlock()
	return program, nil
}
