package codec

import (
	"fmt"

	"github.com/robotic-data/mcap-engine/schema"
)

// Compiler turns schema graphs into Plans, memoizing one Plan per schema
// name. A Compiler is never shared as a package-level global: each Reader
// or Writer owns its own instance so plans compiled against one schema
// dictionary can never leak into an unrelated one.
type Compiler struct {
	littleEndian bool
	plans        map[string]*Plan
}

// NewCompiler creates a Compiler that compiles plans assuming the given
// wire endianness (ROS2 CDR messages declare their own endianness in the
// 4-byte encapsulation header; ROS1 is always little-endian).
func NewCompiler(littleEndian bool) *Compiler {
	return &Compiler{littleEndian: littleEndian, plans: make(map[string]*Plan)}
}

// Compile returns the Plan for s, building and caching it on first use.
// Nested Complex fields are compiled (and cached) transitively using s's own
// Dependencies map, which schema.Parse populates with every schema
// transitively referenced from s.
func (c *Compiler) Compile(s *schema.Schema) (*Plan, error) {
	return c.compileNamed(s, s.Dependencies, make(map[string]bool))
}

func (c *Compiler) dialectOf(s *schema.Schema) Dialect {
	if s.Dialect == schema.ROS1 {
		return ROS1Wire
	}
	return CDR
}

func (c *Compiler) compileNamed(s *schema.Schema, deps map[string]*schema.Schema, inProgress map[string]bool) (*Plan, error) {
	if p, ok := c.plans[s.Name]; ok {
		return p, nil
	}
	if inProgress[s.Name] {
		return nil, fmt.Errorf("codec: cyclic schema reference at %q", s.Name)
	}
	inProgress[s.Name] = true
	defer delete(inProgress, s.Name)

	dialect := c.dialectOf(s)
	plan := &Plan{SchemaName: s.Name, Schema: s, Dialect: dialect, LittleEndian: c.littleEndian}

	var run []string
	var runKind primKind
	flush := func() {
		if len(run) == 0 {
			return
		}
		plan.Ops = append(plan.Ops, op{kind: opUnpackPrimitives, prim: runKind, fields: run})
		run = nil
	}

	for _, entry := range s.Entries {
		if entry.Field == nil {
			continue // constants occupy no wire space
		}
		f := entry.Field

		if f.Type.Kind == schema.KindPrimitive && f.Type.Name != "time" && f.Type.Name != "duration" {
			kind := primKind(f.Type.Name)
			if runKind != "" && runKind != kind {
				flush()
			}
			runKind = kind
			run = append(run, f.Name)
			continue
		}
		flush()

		built, err := c.buildOp(f.Name, f.Type, deps, inProgress)
		if err != nil {
			return nil, fmt.Errorf("codec: field %q of %q: %w", f.Name, s.Name, err)
		}
		plan.Ops = append(plan.Ops, *built)
	}
	flush()

	c.plans[s.Name] = plan
	return plan, nil
}

func (c *Compiler) buildOp(fieldName string, t schema.Type, deps map[string]*schema.Schema, inProgress map[string]bool) (*op, error) {
	switch t.Kind {
	case schema.KindPrimitive:
		// Only reachable for time/duration; everything else is grouped by
		// the caller into an opUnpackPrimitives run.
		return &op{kind: opTime, field: fieldName}, nil

	case schema.KindString:
		return &op{kind: opString, field: fieldName}, nil

	case schema.KindArray, schema.KindSequence:
		elem, err := c.buildElemOp(*t.Elem, deps, inProgress)
		if err != nil {
			return nil, err
		}
		kind := opSequence
		length := 0
		if t.Kind == schema.KindArray {
			kind = opArray
			length = t.Length
		}
		return &op{kind: kind, field: fieldName, elem: elem, length: length}, nil

	case schema.KindComplex:
		depSchema, ok := deps[t.Complex]
		if !ok {
			return nil, fmt.Errorf("codec: dependency %q not found in schema's dependency graph", t.Complex)
		}
		sub, err := c.compileNamed(depSchema, deps, inProgress)
		if err != nil {
			return nil, err
		}
		return &op{kind: opComplex, field: fieldName, sub: sub}, nil

	default:
		return nil, fmt.Errorf("unhandled field type kind %v", t.Kind)
	}
}

// buildElemOp is like buildOp but for a container element, which has no
// field name of its own. A plain scalar element (anything but time/
// duration) decodes through opUnpackPrimitives with a single-entry run so
// the interpreter's primitive path is shared between fields and elements.
func (c *Compiler) buildElemOp(t schema.Type, deps map[string]*schema.Schema, inProgress map[string]bool) (*op, error) {
	if t.Kind == schema.KindPrimitive && t.Name != "time" && t.Name != "duration" {
		return &op{kind: opUnpackPrimitives, prim: primKind(t.Name), fields: []string{""}}, nil
	}
	return c.buildOp("", t, deps, inProgress)
}
