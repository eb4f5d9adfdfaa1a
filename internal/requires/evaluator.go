// Package requires evaluates the distroRequires and hostRequires filters
// of a recipe. Filters are translated from their XML form into CEL and
// type checked before they run.
package requires

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"golang.org/x/sync/singleflight"

	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
)

// maxPrograms bounds the compiled program cache.
const maxPrograms = 1024

// Evaluator holds the CEL environments for both filter kinds and a cache of
// compiled programs keyed by expression. It is safe for concurrent use.
type Evaluator struct {
	distroEnv *cel.Env
	hostEnv   *cel.Env

	group    singleflight.Group
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// Filter is a compiled requirement ready to run against candidates.
type Filter struct {
	// Expr is the CEL source the XML was translated to.
	Expr string
	// Force names a system the hostRequires pins the recipe to, bypassing
	// the filter.
	Force string

	prg cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	distroEnv, err := cel.NewEnv(
		cel.Variable("distro.id", cel.IntType),
		cel.Variable("distro.name", cel.StringType),
		cel.Variable("distro.family", cel.StringType),
		cel.Variable("distro.osminor", cel.StringType),
		cel.Variable("distro.arch", cel.StringType),
		cel.Variable("distro.variant", cel.StringType),
		cel.Variable("distro.tags", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("distro cel env: %w", err)
	}
	hostEnv, err := cel.NewEnv(
		cel.Variable("system.fqdn", cel.StringType),
		cel.Variable("system.type", cel.StringType),
		cel.Variable("system.status", cel.StringType),
		cel.Variable("system.vendor", cel.StringType),
		cel.Variable("system.model", cel.StringType),
		cel.Variable("system.owner", cel.StringType),
		cel.Variable("system.loaned", cel.StringType),
		cel.Variable("system.lab_controller", cel.StringType),
		cel.Variable("system.hypervisor", cel.StringType),
		cel.Variable("system.memory", cel.IntType),
		cel.Variable("system.arch", cel.ListType(cel.StringType)),
		cel.Variable("system.pools", cel.ListType(cel.StringType)),
		cel.Variable("system.key_values", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("cpu.cores", cel.IntType),
		cel.Variable("cpu.processors", cel.IntType),
		cel.Variable("cpu.speed", cel.DoubleType),
		cel.Variable("cpu.vendor", cel.StringType),
		cel.Variable("cpu.model_name", cel.StringType),
		cel.Variable("cpu.flags", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("host cel env: %w", err)
	}
	return &Evaluator{distroEnv: distroEnv, hostEnv: hostEnv, programs: map[string]cel.Program{}}, nil
}

// CompileDistro parses and type checks a <distroRequires> element. An empty
// document matches every distro tree.
func (e *Evaluator) CompileDistro(text string) (*Filter, error) {
	n, err := parseNode(text, "distroRequires")
	if err != nil {
		return nil, err
	}
	expr, err := distroTranslator.conjunction(n.Nodes, "&&", distroTranslator.leaves)
	if err != nil {
		return nil, err
	}
	return e.compile("distro", e.distroEnv, expr)
}

// CompileHost parses and type checks a <hostRequires> element.
func (e *Evaluator) CompileHost(text string) (*Filter, error) {
	n, err := parseNode(text, "hostRequires")
	if err != nil {
		return nil, err
	}
	force, _ := n.attr("force")
	if force != "" && len(n.Nodes) > 0 {
		return nil, fmt.Errorf("force=%q cannot be combined with other host requirements", force)
	}
	expr, err := hostTranslator.conjunction(n.Nodes, "&&", hostTranslator.leaves)
	if err != nil {
		return nil, err
	}
	f, err := e.compile("host", e.hostEnv, expr)
	if err != nil {
		return nil, err
	}
	f.Force = force
	return f, nil
}

// compile returns a Filter for expr, reusing the program of an earlier
// compile of the same expression. Concurrent first compiles of one
// expression share a single type check.
func (e *Evaluator) compile(kind string, env *cel.Env, expr string) (*Filter, error) {
	key := kind + "\x00" + expr
	e.mu.RLock()
	prg, ok := e.programs[key]
	e.mu.RUnlock()
	if !ok {
		v, err, _ := e.group.Do(key, func() (any, error) {
			prg, err := program(env, expr)
			if err != nil {
				return nil, err
			}
			e.mu.Lock()
			if len(e.programs) >= maxPrograms {
				clear(e.programs)
			}
			e.programs[key] = prg
			e.mu.Unlock()
			return prg, nil
		})
		if err != nil {
			return nil, err
		}
		prg = v.(cel.Program)
	}
	return &Filter{Expr: expr, prg: prg}, nil
}

func program(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("requirement evaluates to %s, want bool", ast.OutputType())
	}
	return env.Program(ast)
}

func (f *Filter) eval(vars map[string]any) (bool, error) {
	out, _, err := f.prg.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("requirement returned %v", out.Type())
	}
	return bool(b), nil
}

// MatchDistroTree reports whether t satisfies the filter.
func (f *Filter) MatchDistroTree(t models.DistroTree) (bool, error) {
	return f.eval(map[string]any{
		"distro.id":      t.ID,
		"distro.name":    t.DistroName,
		"distro.family":  t.OSMajor,
		"distro.osminor": t.OSMinor,
		"distro.arch":    t.Arch,
		"distro.variant": t.Variant,
		"distro.tags":    nonNil(t.Tags),
	})
}

// MatchSystem reports whether s satisfies the filter.
func (f *Filter) MatchSystem(s models.System) (bool, error) {
	if f.Force != "" {
		return strings.EqualFold(s.FQDN, f.Force), nil
	}
	kv := s.KeyValues
	if kv == nil {
		kv = map[string]string{}
	}
	return f.eval(map[string]any{
		"system.fqdn":           s.FQDN,
		"system.type":           s.Type,
		"system.status":         s.Status,
		"system.vendor":         s.Vendor,
		"system.model":          s.Model,
		"system.owner":          s.Owner,
		"system.loaned":         s.LoanedTo,
		"system.lab_controller": s.LabController,
		"system.hypervisor":     s.Hypervisor,
		"system.memory":         s.Memory,
		"system.arch":           nonNil(s.Arch),
		"system.pools":          nonNil(s.Pools),
		"system.key_values":     kv,
		"cpu.cores":             int64(s.CPU.Cores),
		"cpu.processors":        int64(s.CPU.Processors),
		"cpu.speed":             s.CPU.Speed,
		"cpu.vendor":            s.CPU.Vendor,
		"cpu.model_name":        s.CPU.ModelName,
		"cpu.flags":             nonNil(s.CPU.Flags),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// SelectDistroTree returns the first candidate, in SortDistroTrees order,
// that satisfies the requirement.
func (e *Evaluator) SelectDistroTree(text string, candidates []models.DistroTree) (models.DistroTree, error) {
	f, err := e.CompileDistro(text)
	if err != nil {
		return models.DistroTree{}, errs.Validation("No distro tree matches Recipe: %s", err)
	}
	trees := append([]models.DistroTree(nil), candidates...)
	models.SortDistroTrees(trees)
	for _, t := range trees {
		ok, err := f.MatchDistroTree(t)
		if err != nil {
			return models.DistroTree{}, errs.Validation("No distro tree matches Recipe: %s", err)
		}
		if ok {
			return t, nil
		}
	}
	return models.DistroTree{}, errs.Validation("No distro tree matches Recipe: %s", text)
}

// ValidateHost checks that the hostRequires filter compiles and runs
// against the known systems. The matches themselves are not kept; an empty
// result is not an error because systems may be added later.
func (e *Evaluator) ValidateHost(text string, systems []models.System) error {
	_, err := e.MatchSystems(text, systems)
	return err
}

// MatchSystems returns the systems satisfying the hostRequires filter.
func (e *Evaluator) MatchSystems(text string, systems []models.System) ([]models.System, error) {
	f, err := e.CompileHost(text)
	if err != nil {
		return nil, errs.Validation("Error in hostRequires: %s", err)
	}
	var out []models.System
	for _, s := range systems {
		ok, err := f.MatchSystem(s)
		if err != nil {
			return nil, errs.Validation("Error in hostRequires: %s", err)
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}
