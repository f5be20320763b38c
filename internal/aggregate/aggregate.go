// Package aggregate combines several dataset descriptions into one
// store view. It first attempts a direct combine, inferring merge or
// concat from the inputs, and falls back to signature-based grouping
// when the inputs do not fit a single grid. The whole package is pure:
// it never touches storage or the network.
package aggregate

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/freva-org/freva-data-portal/internal/dataset"
)

// Mode selects the combine strategy.
type Mode string

// Join is the coordinate alignment policy. Only exact is enforced
// strictly; the remaining policies combine best-effort.
type Join string

// Compat governs duplicate variable names across inputs.
type Compat string

// Selection picks which variables take part in a concat.
type Selection string

// GroupBy forces grouped output along one signature axis.
type GroupBy string

const (
	ModeAuto   Mode = "auto"
	ModeMerge  Mode = "merge"
	ModeConcat Mode = "concat"

	JoinOuter Join = "outer"
	JoinInner Join = "inner"
	JoinExact Join = "exact"
	JoinLeft  Join = "left"
	JoinRight Join = "right"

	CompatNoConflicts Compat = "no_conflicts"
	CompatEquals      Compat = "equals"
	CompatOverride    Compat = "override"

	SelectMinimal   Selection = "minimal"
	SelectDifferent Selection = "different"
	SelectAll       Selection = "all"

	GroupByGrid GroupBy = "grid"
	GroupByVars GroupBy = "vars"
)

// RootKey names the ungrouped (or common-subset) output entry.
const RootKey = "root"

// ErrCannotInferDim reports that no concat dimension was given and none
// is shared by every input.
var ErrCannotInferDim = errors.New("cannot infer concatenation dimension: no dimension is common to all inputs")

type (
	// Options is the user-facing aggregation option set. Zero values mean
	// "infer". The JSON form is embedded in path tokens, so field names
	// are part of the wire contract.
	Options struct {
		Mode     Mode      `json:"mode,omitempty"`
		Dim      string    `json:"dim,omitempty"`
		GroupBy  GroupBy   `json:"group_by,omitempty"`
		Join     Join      `json:"join,omitempty"`
		Compat   Compat    `json:"compat,omitempty"`
		DataVars Selection `json:"data_vars,omitempty"`
		Coords   Selection `json:"coords,omitempty"`
	}

	// Plan records what the aggregator decided to do. Diagnostic only.
	Plan struct {
		Mode    Mode
		Dim     string
		GroupBy GroupBy
		Grouped bool
	}

	// Result is the aggregation output: one dataset per key, with root
	// always present.
	Result struct {
		Datasets map[string]*dataset.Dataset
		// Order lists the keys deterministically: root first, then
		// group0..groupN in signature sort order.
		Order []string
		Plan  Plan
	}

	// Error wraps a combine failure with its diagnostics.
	Error struct {
		Reason  string
		Details map[string]any
	}
)

func (e *Error) Error() string { return "aggregation failed: " + e.Reason }

func failf(details map[string]any, format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...), Details: details}
}

// Validate rejects unknown option values. Unset fields are fine.
func (o Options) Validate() error {
	switch o.Mode {
	case "", ModeAuto, ModeMerge, ModeConcat:
	default:
		return fmt.Errorf("unknown aggregation mode %q", o.Mode)
	}
	switch o.GroupBy {
	case "", GroupByGrid, GroupByVars:
	default:
		return fmt.Errorf("unknown group_by %q", o.GroupBy)
	}
	switch o.Join {
	case "", JoinOuter, JoinInner, JoinExact, JoinLeft, JoinRight:
	default:
		return fmt.Errorf("unknown join %q", o.Join)
	}
	switch o.Compat {
	case "", CompatNoConflicts, CompatEquals, CompatOverride:
	default:
		return fmt.Errorf("unknown compat %q", o.Compat)
	}
	for _, s := range []Selection{o.DataVars, o.Coords} {
		switch s {
		case "", SelectMinimal, SelectDifferent, SelectAll:
		default:
			return fmt.Errorf("unknown variable selection %q", s)
		}
	}
	return nil
}

// Aggregate combines the inputs under the options. The result always
// holds a root dataset; grouped fallbacks add group0..groupN entries.
func Aggregate(inputs []*dataset.Dataset, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, failf(nil, "no input datasets")
	}

	if ds, ok := simpleCombine(inputs, opts); ok {
		return &Result{
			Datasets: map[string]*dataset.Dataset{RootKey: ds},
			Order:    []string{RootKey},
			Plan:     Plan{Mode: ModeMerge, GroupBy: opts.GroupBy},
		}, nil
	}

	plan, err := inferPlan(inputs, opts)
	if err != nil {
		return nil, err
	}

	if opts.GroupBy == "" {
		ds, cErr := combine(inputs, plan, opts)
		if cErr == nil {
			return &Result{
				Datasets: map[string]*dataset.Dataset{RootKey: ds},
				Order:    []string{RootKey},
				Plan:     plan,
			}, nil
		}
		return grouped(inputs, plan, opts, GroupByGrid)
	}
	return grouped(inputs, plan, opts, opts.GroupBy)
}

// simpleCombine handles the cases where no planning is needed: a single
// input, or inputs on one grid with pairwise disjoint variables.
func simpleCombine(inputs []*dataset.Dataset, opts Options) (*dataset.Dataset, bool) {
	if opts.GroupBy != "" {
		return nil, false
	}
	if len(inputs) == 1 {
		return inputs[0], true
	}
	if opts.Mode == ModeConcat {
		return nil, false
	}
	if !disjointVars(inputs) {
		return nil, false
	}
	grid := inputs[0].GridSignature()
	for _, ds := range inputs[1:] {
		if ds.GridSignature() != grid {
			return nil, false
		}
	}
	ds, err := merge(inputs, opts)
	if err != nil {
		return nil, false
	}
	return ds, true
}

func inferPlan(inputs []*dataset.Dataset, opts Options) (Plan, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeMerge {
		return Plan{Mode: ModeMerge, GroupBy: opts.GroupBy}, nil
	}
	if mode == ModeAuto && disjointVars(inputs) {
		return Plan{Mode: ModeMerge, GroupBy: opts.GroupBy}, nil
	}
	dim := opts.Dim
	if dim == "" {
		var err error
		if dim, err = inferConcatDim(inputs); err != nil {
			return Plan{}, err
		}
	}
	return Plan{Mode: ModeConcat, Dim: dim, GroupBy: opts.GroupBy}, nil
}

// inferConcatDim picks the first dimension, in sorted name order, that
// every input declares.
func inferConcatDim(inputs []*dataset.Dataset) (string, error) {
	common := []string{}
	for _, d := range inputs[0].DimNames() {
		shared := true
		for _, ds := range inputs[1:] {
			if _, ok := ds.DimSize(d); !ok {
				shared = false
				break
			}
		}
		if shared {
			common = append(common, d)
		}
	}
	if len(common) == 0 {
		return "", ErrCannotInferDim
	}
	sort.Strings(common)
	return common[0], nil
}

func disjointVars(inputs []*dataset.Dataset) bool {
	seen := map[string]bool{}
	for _, ds := range inputs {
		for _, n := range ds.VarNames() {
			if seen[n] {
				return false
			}
			seen[n] = true
		}
	}
	return true
}

func combine(inputs []*dataset.Dataset, plan Plan, opts Options) (*dataset.Dataset, error) {
	if plan.Mode == ModeMerge {
		return merge(inputs, opts)
	}
	return concat(inputs, plan.Dim, opts)
}

// grouped partitions the inputs by signature, combines each group and
// exposes them as group0..groupN with the common subset at root.
func grouped(inputs []*dataset.Dataset, plan Plan, opts Options, by GroupBy) (*Result, error) {
	sig := func(ds *dataset.Dataset) string { return ds.GridSignature() }
	if by == GroupByVars {
		sig = func(ds *dataset.Dataset) string { return ds.VarsSignature() }
	}
	buckets := map[string][]*dataset.Dataset{}
	for _, ds := range inputs {
		k := sig(ds)
		buckets[k] = append(buckets[k], ds)
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := map[string]*dataset.Dataset{}
	order := []string{RootKey}
	results := make([]*dataset.Dataset, 0, len(keys))
	for i, k := range keys {
		group := buckets[k]
		// The global plan may not suit an individual bucket: a group with
		// disjoint variables merges even when the full input set forced a
		// concat. Re-infer whenever the user left room for it.
		gplan := plan
		if opts.Mode == "" || opts.Mode == ModeAuto || (gplan.Mode == ModeConcat && opts.Dim == "") {
			if p, err := inferPlan(group, opts); err == nil {
				gplan = p
			}
		}
		ds, err := combineGroup(group, gplan, opts)
		if err != nil {
			return nil, failf(map[string]any{
				"group":     k,
				"inputs":    len(group),
				"mode":      string(gplan.Mode),
				"dim":       gplan.Dim,
				"cause":     err.Error(),
				"signature": string(by),
			}, "combining group %d: %v", i, err)
		}
		key := fmt.Sprintf("group%d", i)
		out[key] = ds
		order = append(order, key)
		results = append(results, ds)
	}
	out[RootKey] = commonSubset(results)
	plan.Grouped = true
	plan.GroupBy = by
	return &Result{Datasets: out, Order: order, Plan: plan}, nil
}

// combineGroup combines one signature bucket, falling back from concat
// to merge for single-input groups.
func combineGroup(group []*dataset.Dataset, plan Plan, opts Options) (*dataset.Dataset, error) {
	if len(group) == 1 {
		return group[0], nil
	}
	return combine(group, plan, opts)
}

// commonSubset builds the dataset of variables present, with identical
// structure, in every group result. May be empty.
func commonSubset(groups []*dataset.Dataset) *dataset.Dataset {
	root := dataset.New()
	if len(groups) == 0 {
		return root
	}
	first := groups[0]
	keep := func(v *dataset.Variable) bool {
		for _, g := range groups[1:] {
			o := g.Variable(v.Name)
			if o == nil || !sameStructure(first, v, g, o) {
				return false
			}
		}
		return true
	}
	for _, n := range first.CoordNames() {
		if v := first.Coord(n); keep(v) {
			// Shared across all groups, safe to re-register.
			_ = root.AddCoord(v)
		}
	}
	for _, n := range first.VarNames() {
		if v := first.Var(n); keep(v) {
			_ = root.AddVar(v)
		}
	}
	return root
}

func sameStructure(dsa *dataset.Dataset, a *dataset.Variable, dsb *dataset.Dataset, b *dataset.Variable) bool {
	if a.DType != b.DType || !reflect.DeepEqual(a.Dims, b.Dims) {
		return false
	}
	return reflect.DeepEqual(dsa.Shape(a), dsb.Shape(b))
}

// merge unions the variables of all inputs into one dataset. Dimension
// names must agree on length; duplicate variable names resolve per the
// compat policy.
func merge(inputs []*dataset.Dataset, opts Options) (*dataset.Dataset, error) {
	out := dataset.New()
	for i, ds := range inputs {
		for _, d := range ds.DimNames() {
			n, _ := ds.DimSize(d)
			if err := out.AddDim(d, n); err != nil {
				return nil, failf(map[string]any{"input": i, "dim": d},
					"merge: %v", err)
			}
		}
	}
	if opts.Join == JoinExact {
		if err := checkExactCoords(inputs); err != nil {
			return nil, err
		}
	}
	for i, ds := range inputs {
		for _, n := range ds.CoordNames() {
			if err := addMerged(out, ds, ds.Coord(n), i, opts, out.AddCoord, out.Coord); err != nil {
				return nil, err
			}
		}
		for _, n := range ds.VarNames() {
			if err := addMerged(out, ds, ds.Var(n), i, opts, out.AddVar, out.Var); err != nil {
				return nil, err
			}
		}
	}
	mergeAttrs(out, inputs)
	return out, nil
}

func addMerged(
	out *dataset.Dataset,
	src *dataset.Dataset,
	v *dataset.Variable,
	input int,
	opts Options,
	add func(*dataset.Variable) error,
	get func(string) *dataset.Variable,
) error {
	if prev := get(v.Name); prev != nil {
		switch opts.Compat {
		case CompatOverride:
			return nil // first occurrence wins
		default: // equals and no_conflicts both demand identical structure
			if !sameStructure(out, prev, src, v) {
				return failf(map[string]any{"variable": v.Name, "input": input},
					"merge: conflicting definitions of variable %q", v.Name)
			}
			return nil
		}
	}
	if err := add(v); err != nil {
		return failf(map[string]any{"variable": v.Name, "input": input}, "merge: %v", err)
	}
	return nil
}

// checkExactCoords enforces the exact join: every coordinate shared by
// two inputs must have identical structure.
func checkExactCoords(inputs []*dataset.Dataset) error {
	type entry struct {
		ds *dataset.Dataset
		v  *dataset.Variable
	}
	seen := map[string]entry{}
	for i, ds := range inputs {
		for _, n := range ds.CoordNames() {
			v := ds.Coord(n)
			if prev, ok := seen[n]; ok {
				if !sameStructure(prev.ds, prev.v, ds, v) {
					return failf(map[string]any{"coord": n, "input": i},
						"exact join: coordinate %q differs across inputs", n)
				}
				continue
			}
			seen[n] = entry{ds: ds, v: v}
		}
	}
	return nil
}

// concat joins the inputs along dim. Every input must declare dim; all
// other dimensions must agree on length. Variables carrying dim are
// concatenated, the rest are taken from the first input that defines
// them (subject to compat).
func concat(inputs []*dataset.Dataset, dim string, opts Options) (*dataset.Dataset, error) {
	if dim == "" {
		return nil, ErrCannotInferDim
	}
	total := 0
	for i, ds := range inputs {
		n, ok := ds.DimSize(dim)
		if !ok {
			return nil, failf(map[string]any{"input": i, "dim": dim},
				"concat: input %d lacks dimension %q", i, dim)
		}
		total += n
	}

	out := dataset.New()
	if err := out.AddDim(dim, total); err != nil {
		return nil, failf(map[string]any{"dim": dim}, "concat: %v", err)
	}
	for i, ds := range inputs {
		for _, d := range ds.DimNames() {
			if d == dim {
				continue
			}
			n, _ := ds.DimSize(d)
			if err := out.AddDim(d, n); err != nil {
				return nil, failf(map[string]any{"input": i, "dim": d}, "concat: %v", err)
			}
		}
	}

	first := inputs[0]
	for _, n := range first.CoordNames() {
		v, err := concatVariable(inputs, n, dim, true, opts)
		if err != nil {
			return nil, err
		}
		if err := out.AddCoord(v); err != nil {
			return nil, failf(map[string]any{"coord": n}, "concat: %v", err)
		}
	}
	for _, n := range first.VarNames() {
		v, err := concatVariable(inputs, n, dim, false, opts)
		if err != nil {
			return nil, err
		}
		if err := out.AddVar(v); err != nil {
			return nil, failf(map[string]any{"variable": n}, "concat: %v", err)
		}
	}
	mergeAttrs(out, inputs)
	return out, nil
}

func concatVariable(inputs []*dataset.Dataset, name, dim string, coord bool, opts Options) (*dataset.Variable, error) {
	get := func(ds *dataset.Dataset) *dataset.Variable {
		if coord {
			return ds.Coord(name)
		}
		return ds.Var(name)
	}
	first := get(inputs[0])
	axis := -1
	for i, d := range first.Dims {
		if d == dim {
			axis = i
			break
		}
	}
	if axis < 0 {
		// Variable does not span the concat dim: keep the first
		// definition, requiring agreement unless compat overrides.
		for i, ds := range inputs[1:] {
			o := get(ds)
			if o == nil {
				continue
			}
			if opts.Compat != CompatOverride && !sameStructure(inputs[0], first, ds, o) {
				return nil, failf(map[string]any{"variable": name, "input": i + 1},
					"concat: conflicting definitions of variable %q", name)
			}
		}
		return first, nil
	}

	parts := []dataset.Array{}
	dataMissing := false
	for i, ds := range inputs {
		v := get(ds)
		if v == nil {
			return nil, failf(map[string]any{"variable": name, "input": i},
				"concat: input %d lacks variable %q", i, name)
		}
		if v.DType != first.DType || !reflect.DeepEqual(v.Dims, first.Dims) {
			return nil, failf(map[string]any{"variable": name, "input": i},
				"concat: variable %q has mismatched structure in input %d", name, i)
		}
		if v.Data == nil {
			dataMissing = true
			continue
		}
		parts = append(parts, v.Data)
	}
	var data dataset.Array
	if !dataMissing {
		joined, err := dataset.Concat(axis, parts...)
		if err != nil {
			return nil, failf(map[string]any{"variable": name, "dim": dim}, "concat: %v", err)
		}
		data = joined
	}
	return &dataset.Variable{
		Name:      name,
		Dims:      append([]string(nil), first.Dims...),
		DType:     first.DType,
		Attrs:     first.Attrs,
		FillValue: first.FillValue,
		Data:      data,
	}, nil
}

// mergeAttrs copies global attributes, first occurrence wins.
func mergeAttrs(out *dataset.Dataset, inputs []*dataset.Dataset) {
	for _, ds := range inputs {
		for k, v := range ds.Attrs {
			if _, ok := out.Attrs[k]; !ok {
				out.Attrs[k] = v
			}
		}
	}
}
