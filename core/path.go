package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/frobware/go-bpfload/btf"
)

// parseAccessor splits an access string like "0:3:2" into indices.
// The first index applies to the root type (array-style deref, almost
// always 0); each subsequent index selects a struct/union member or
// an array element.
func parseAccessor(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty access string")
	}
	parts := strings.Split(s, ":")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad access string %q: component %q", s, p)
		}
		out = append(out, n)
	}
	return out, nil
}

// localStep records one resolved step of the compile-time walk:
// which member (or array index) was taken and the peeled type it
// leads to. The member index is kept for positional matching of
// anonymous members.
type localStep struct {
	member    *btf.Member // nil for array steps
	memberIdx int
	arrayIdx  int
	typeID    btf.TypeID // peeled type after the step
}

// localPath is the fully resolved compile-time access path.
type localPath struct {
	rootID    btf.TypeID
	rootName  string
	rootKind  btf.Kind
	spec      []int
	steps     []localStep
	byteOff   uint32
	bitfield  bool
	fieldType btf.TypeID // peeled type of the final field
}

// walkLocal resolves the access path in the object's own graph,
// accumulating the compile-time byte offset and remembering the type
// at every step.
func walkLocal(g *btf.Graph, rootID btf.TypeID, accessStr string) (*localPath, error) {
	spec, err := parseAccessor(accessStr)
	if err != nil {
		return nil, err
	}

	peeledRoot, root, err := g.Underlying(rootID)
	if err != nil {
		return nil, err
	}
	if root.Name == "" {
		return nil, fmt.Errorf("root type %d is anonymous", rootID)
	}

	lp := &localPath{
		rootID:   peeledRoot,
		rootName: root.Name,
		rootKind: root.Kind,
		spec:     spec,
	}

	if spec[0] != 0 {
		rootSize, err := g.Size(peeledRoot)
		if err != nil {
			return nil, fmt.Errorf("sizing root: %w", err)
		}
		lp.byteOff += uint32(spec[0]) * rootSize
	}

	cur := peeledRoot
	for _, idx := range spec[1:] {
		t, err := g.TypeByID(cur)
		if err != nil {
			return nil, err
		}
		switch {
		case t.Composite():
			if idx >= len(t.Members) {
				return nil, fmt.Errorf("member index %d out of range for %s %q (%d members)",
					idx, t.Kind, t.Name, len(t.Members))
			}
			m := &t.Members[idx]
			if m.BitSize != 0 {
				lp.bitfield = true
			}
			lp.byteOff += m.BitOffset / 8
			next, _, err := g.Underlying(m.Type)
			if err != nil {
				return nil, err
			}
			lp.steps = append(lp.steps, localStep{member: m, memberIdx: idx, typeID: next})
			cur = next

		case t.Kind == btf.KindArray:
			if t.NumElems != 0 && uint32(idx) >= t.NumElems {
				return nil, fmt.Errorf("array index %d out of range (%d elements)", idx, t.NumElems)
			}
			elemSize, err := g.Size(t.Elem)
			if err != nil {
				return nil, fmt.Errorf("sizing array element: %w", err)
			}
			lp.byteOff += uint32(idx) * elemSize
			next, _, err := g.Underlying(t.Elem)
			if err != nil {
				return nil, err
			}
			lp.steps = append(lp.steps, localStep{member: nil, arrayIdx: idx, typeID: next})
			cur = next

		default:
			return nil, fmt.Errorf("access path steps into %s, want struct, union or array", t.Kind)
		}
	}

	lp.fieldType = cur
	return lp, nil
}

// targetPath is the structurally equivalent runtime path.
type targetPath struct {
	rootID    btf.TypeID
	byteOff   uint32
	bitfield  bool
	fieldType btf.TypeID
}

// matchTarget finds a runtime path equivalent to lp. Candidate root
// types are tried in id order; the first candidate through which the
// whole path resolves wins. Ambiguity between candidates is not
// detected.
func matchTarget(local *btf.Graph, lp *localPath, target *btf.Graph) (*targetPath, error) {
	candidates := target.TypesByName(lp.rootName)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("type %q not present in runtime graph", lp.rootName)
	}

	var lastErr error
	for _, id := range candidates {
		peeled, t, err := target.Underlying(id)
		if err != nil {
			lastErr = err
			continue
		}
		if t.Kind != lp.rootKind {
			lastErr = fmt.Errorf("runtime %q is a %s, want %s", lp.rootName, t.Kind, lp.rootKind)
			continue
		}
		tp, err := matchPath(local, lp, target, peeled)
		if err != nil {
			lastErr = err
			continue
		}
		return tp, nil
	}
	return nil, lastErr
}

func matchPath(local *btf.Graph, lp *localPath, target *btf.Graph, rootID btf.TypeID) (*targetPath, error) {
	tp := &targetPath{rootID: rootID}

	if lp.spec[0] != 0 {
		rootSize, err := target.Size(rootID)
		if err != nil {
			return nil, fmt.Errorf("sizing runtime root: %w", err)
		}
		tp.byteOff += uint32(lp.spec[0]) * rootSize
	}

	cur := rootID
	for _, step := range lp.steps {
		t, err := target.TypeByID(cur)
		if err != nil {
			return nil, err
		}

		if step.member == nil {
			// Array step.
			if t.Kind != btf.KindArray {
				return nil, fmt.Errorf("runtime type is %s, want array", t.Kind)
			}
			if t.NumElems != 0 && uint32(step.arrayIdx) >= t.NumElems {
				return nil, fmt.Errorf("array index %d out of range in runtime type (%d elements)",
					step.arrayIdx, t.NumElems)
			}
			elemSize, err := target.Size(t.Elem)
			if err != nil {
				return nil, fmt.Errorf("sizing runtime array element: %w", err)
			}
			tp.byteOff += uint32(step.arrayIdx) * elemSize
			cur, _, err = target.Underlying(t.Elem)
			if err != nil {
				return nil, err
			}
			continue
		}

		if !t.Composite() {
			return nil, fmt.Errorf("runtime type is %s, want struct or union", t.Kind)
		}

		if step.member.Anonymous() {
			// Anonymous members have no name to match on; fall back
			// to position.
			if step.memberIdx >= len(t.Members) {
				return nil, fmt.Errorf("runtime %s %q has no member at index %d", t.Kind, t.Name, step.memberIdx)
			}
			tm := &t.Members[step.memberIdx]
			if !tm.Anonymous() {
				return nil, fmt.Errorf("runtime member at index %d is named %q, want anonymous", step.memberIdx, tm.Name)
			}
			next, nt, err := target.Underlying(tm.Type)
			if err != nil {
				return nil, err
			}
			lt, err := local.TypeByID(step.typeID)
			if err != nil {
				return nil, err
			}
			if !kindCompatible(lt.Kind, nt.Kind) {
				return nil, fmt.Errorf("anonymous member at index %d is %s, want %s", step.memberIdx, nt.Kind, lt.Kind)
			}
			if tm.BitSize != 0 {
				tp.bitfield = true
			}
			tp.byteOff += tm.BitOffset / 8
			cur = next
			continue
		}

		// Named member: search declaration order, descending into
		// anonymous nested structs/unions. First match wins.
		tm, absBitOff, found, err := findMember(target, t, step.member.Name, 0, 0)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("field %q not present in runtime %s %q", step.member.Name, t.Kind, t.Name)
		}
		next, nt, err := target.Underlying(tm.Type)
		if err != nil {
			return nil, err
		}
		lt, err := local.TypeByID(step.typeID)
		if err != nil {
			return nil, err
		}
		if !kindCompatible(lt.Kind, nt.Kind) {
			return nil, fmt.Errorf("field %q is %s in runtime graph, want %s-compatible", step.member.Name, nt.Kind, lt.Kind)
		}
		if tm.BitSize != 0 {
			tp.bitfield = true
		}
		tp.byteOff += absBitOff / 8
		cur = next
	}

	tp.fieldType = cur
	return tp, nil
}

// findMember searches comp for a member with the given name in
// declaration order, descending into anonymous nested composites.
// The returned bit offset is relative to comp's start.
func findMember(g *btf.Graph, comp *btf.Type, name string, baseBitOff uint32, depth int) (*btf.Member, uint32, bool, error) {
	if depth > 8 {
		return nil, 0, false, fmt.Errorf("nested anonymous members deeper than %d levels", depth)
	}
	for i := range comp.Members {
		m := &comp.Members[i]
		if m.Name == name {
			return m, baseBitOff + m.BitOffset, true, nil
		}
		if !m.Anonymous() {
			continue
		}
		_, mt, err := g.Underlying(m.Type)
		if err != nil {
			return nil, 0, false, err
		}
		if !mt.Composite() {
			continue
		}
		found, off, ok, err := findMember(g, mt, name, baseBitOff+m.BitOffset, depth+1)
		if err != nil {
			return nil, 0, false, err
		}
		if ok {
			return found, off, true, nil
		}
	}
	return nil, 0, false, nil
}

// kindCompatible implements the loose compatibility rule: kinds must
// match exactly, except that all integral kinds (ints, enums, floats
// of any width) are interchangeable. Sizes always come from the
// runtime type, never the compile-time one.
func kindCompatible(local, target btf.Kind) bool {
	if local == target {
		return true
	}
	return integral(local) && integral(target)
}

func integral(k btf.Kind) bool {
	switch k {
	case btf.KindInt, btf.KindEnum, btf.KindEnum64, btf.KindFloat:
		return true
	}
	return false
}
