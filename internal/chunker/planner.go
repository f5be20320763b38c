// Package chunker sizes chunk-store chunks for a dataset. The planner
// groups variables by dimension signature, starts every dimension at a
// single element and grows dimensions in an access-pattern-aware priority
// order until the worst-case chunk across all groups reaches the target
// byte size. It is pure: equal inputs always yield equal plans.
package chunker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/freva-org/freva-data-portal/internal/dataset"
)

// AccessPattern selects what reads the chunking optimises for.
type AccessPattern string

const (
	// PatternMap optimises slicing one primary step (e.g. a single time)
	// across large secondary axes.
	PatternMap AccessPattern = "map"
	// PatternTimeSeries optimises long runs along the primary axis at
	// small secondary extents.
	PatternTimeSeries AccessPattern = "time_series"
)

// Defaults mirrored by zero-valued Options fields.
const (
	DefaultTarget         = "16MiB"
	DefaultGrowthFactor   = 2
	DefaultOvershootRatio = 1.25
	defaultMapPrimary     = 1
)

var (
	defaultPrimaryCandidates = []string{"time", "step"}

	// Spatial-axis candidates in fixed priority order for map access.
	defaultSpatialCandidates = []string{
		"y", "x", "lat", "lon", "latitude", "longitude", "rlon", "rlat", "long", "X", "Y",
	}
)

type (
	// Options tunes the planner. The zero value plans for 16MiB map-style
	// access with conventional axis names.
	Options struct {
		// Target is a human-readable chunk byte size such as "16MiB".
		Target string
		// AccessPattern is map or time_series; empty means map.
		AccessPattern AccessPattern
		// PrimaryCandidates are dim names probed for the primary axis,
		// first hit wins. Defaults to time, step.
		PrimaryCandidates []string
		// SpatialCandidates override the spatial priority order for map access.
		SpatialCandidates []string
		// MapPrimaryChunk pins the primary axis in map mode. Defaults to 1.
		MapPrimaryChunk int
		// MaxPrimaryChunk caps primary growth in time_series mode. Zero = uncapped.
		MaxPrimaryChunk int
		// MinChunks / MaxChunks bound individual dimensions.
		MinChunks map[string]int
		MaxChunks map[string]int
		// GrowthFactor multiplies a chunk per growth step. Defaults to 2.
		GrowthFactor int
		// OvershootRatio tolerates chunks up to Target*OvershootRatio
		// before rolling the last growth step back. Defaults to 1.25.
		OvershootRatio float64
	}

	// VarGroup is the set of variables sharing one dim signature. They
	// rechunk in lockstep; the largest itemsize is kept to stay
	// conservative.
	VarGroup struct {
		Key         string
		Dims        []string
		MaxItemSize int
		Vars        []string
	}

	// Plan is the planner result.
	Plan struct {
		Chunks        map[string]int
		TargetBytes   int
		AccessPattern AccessPattern
		PrimaryAxis   string
		Groups        []VarGroup
		// WorstBytesByGroup maps group key to the worst-case chunk byte
		// size under Chunks. Diagnostic only.
		WorstBytesByGroup map[string]int
	}
)

func (o Options) targetBytes() (int, error) {
	t := o.Target
	if t == "" {
		t = DefaultTarget
	}
	n, err := humanize.ParseBytes(t)
	if err != nil {
		return 0, fmt.Errorf("parse chunk target %q: %w", t, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("chunk target %q is zero", t)
	}
	return int(n), nil
}

func (o Options) pattern() AccessPattern {
	if o.AccessPattern == "" {
		return PatternMap
	}
	return o.AccessPattern
}

func (o Options) growth() int {
	if o.GrowthFactor < 2 {
		return DefaultGrowthFactor
	}
	return o.GrowthFactor
}

func (o Options) overshoot() float64 {
	if o.OvershootRatio <= 1 {
		return DefaultOvershootRatio
	}
	return o.OvershootRatio
}

// GroupVars partitions a dataset's data variables by dim signature,
// ordered most demanding first: larger itemsize, then higher rank, then
// key for determinism.
func GroupVars(ds *dataset.Dataset) []VarGroup {
	byKey := map[string]*VarGroup{}
	order := []string{}
	for _, name := range ds.VarNames() {
		v := ds.Var(name)
		key := strings.Join(v.Dims, ",")
		if key == "" {
			key = "<scalar>"
		}
		g, ok := byKey[key]
		if !ok {
			g = &VarGroup{Key: key, Dims: append([]string(nil), v.Dims...)}
			byKey[key] = g
			order = append(order, key)
		}
		g.Vars = append(g.Vars, name)
		if sz := v.DType.ItemSize(); sz > g.MaxItemSize {
			g.MaxItemSize = sz
		}
	}
	out := make([]VarGroup, 0, len(order))
	for _, k := range order {
		g := byKey[k]
		sort.Strings(g.Vars)
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MaxItemSize != out[j].MaxItemSize {
			return out[i].MaxItemSize > out[j].MaxItemSize
		}
		if len(out[i].Dims) != len(out[j].Dims) {
			return len(out[i].Dims) > len(out[j].Dims)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// PlanDataset computes the chunk plan for a dataset under the options.
func PlanDataset(ds *dataset.Dataset, opts Options) (*Plan, error) {
	target, err := opts.targetBytes()
	if err != nil {
		return nil, err
	}
	pattern := opts.pattern()
	limit := int(float64(target) * opts.overshoot())

	primary := findPrimary(ds, opts)
	chunks := initialChunks(ds, primary, pattern, opts)
	prio := axisPriority(ds, primary, pattern, opts)
	groups := GroupVars(ds)

	worst := func() int {
		w := 0
		for _, g := range groups {
			if b := groupBytes(g, chunks); b > w {
				w = b
			}
		}
		return w
	}
	maxChunks := opts.MaxChunks
	if pattern == PatternTimeSeries && opts.MaxPrimaryChunk > 0 && primary != "" {
		maxChunks = cloneWith(maxChunks, primary, opts.MaxPrimaryChunk)
	}
	canGrow := func(dim string) bool {
		cur := chunks[dim]
		length, _ := ds.DimSize(dim)
		if cur >= length {
			return false
		}
		if m, ok := maxChunks[dim]; ok && cur >= m {
			return false
		}
		return true
	}
	propose := func(dim string) int {
		cur := chunks[dim]
		length, _ := ds.DimSize(dim)
		next := minInt(cur*opts.growth(), length)
		if m, ok := maxChunks[dim]; ok {
			next = minInt(next, m)
		}
		return maxInt(cur, next)
	}

	for _, dim := range prio {
		if pattern == PatternMap && dim == primary {
			continue
		}
		if !dimInGroups(dim, groups) {
			continue
		}
		for canGrow(dim) {
			before := worst()
			next := propose(dim)
			if next == chunks[dim] {
				break
			}
			chunks[dim] = next
			after := worst()
			if after > limit && before < target {
				rollback := maxInt(next/opts.growth(), 1)
				if m, ok := opts.MinChunks[dim]; ok {
					rollback = maxInt(rollback, m)
				}
				length, _ := ds.DimSize(dim)
				chunks[dim] = minInt(rollback, length)
				break
			}
			if after >= target {
				break
			}
		}
		if worst() >= target {
			break
		}
	}

	for _, dim := range ds.DimNames() {
		if m, ok := opts.MinChunks[dim]; ok {
			chunks[dim] = maxInt(chunks[dim], m)
		}
		if m, ok := maxChunks[dim]; ok {
			chunks[dim] = minInt(chunks[dim], m)
		}
		length, _ := ds.DimSize(dim)
		chunks[dim] = maxInt(1, minInt(chunks[dim], length))
	}

	byGroup := make(map[string]int, len(groups))
	for _, g := range groups {
		byGroup[g.Key] = groupBytes(g, chunks)
	}
	return &Plan{
		Chunks:            chunks,
		TargetBytes:       target,
		AccessPattern:     pattern,
		PrimaryAxis:       primary,
		Groups:            groups,
		WorstBytesByGroup: byGroup,
	}, nil
}

// Apply plans the dataset and records the chunk sizes on it.
func Apply(ds *dataset.Dataset, opts Options) (*Plan, error) {
	plan, err := PlanDataset(ds, opts)
	if err != nil {
		return nil, err
	}
	ds.Chunks = plan.Chunks
	return plan, nil
}

func findPrimary(ds *dataset.Dataset, opts Options) string {
	cands := opts.PrimaryCandidates
	if len(cands) == 0 {
		cands = defaultPrimaryCandidates
	}
	for _, c := range cands {
		if _, ok := ds.DimSize(c); ok {
			return c
		}
	}
	return ""
}

func initialChunks(ds *dataset.Dataset, primary string, pattern AccessPattern, opts Options) map[string]int {
	chunks := map[string]int{}
	for _, d := range ds.DimNames() {
		chunks[d] = 1
	}
	if primary != "" {
		if pattern == PatternMap {
			pin := opts.MapPrimaryChunk
			if pin <= 0 {
				pin = defaultMapPrimary
			}
			chunks[primary] = pin
		} else if m, ok := opts.MinChunks[primary]; ok {
			chunks[primary] = maxInt(chunks[primary], m)
		}
	}
	for d, v := range opts.MinChunks {
		if _, ok := chunks[d]; ok {
			chunks[d] = maxInt(chunks[d], v)
		}
	}
	for d, v := range opts.MaxChunks {
		if _, ok := chunks[d]; ok {
			chunks[d] = minInt(chunks[d], v)
		}
	}
	for _, d := range ds.DimNames() {
		length, _ := ds.DimSize(d)
		chunks[d] = maxInt(1, minInt(chunks[d], length))
	}
	return chunks
}

func axisPriority(ds *dataset.Dataset, primary string, pattern AccessPattern, opts Options) []string {
	dims := ds.DimNames()
	if pattern == PatternMap {
		cands := opts.SpatialCandidates
		if len(cands) == 0 {
			cands = defaultSpatialCandidates
		}
		spatial := []string{}
		seen := map[string]bool{}
		for _, c := range cands {
			if _, ok := ds.DimSize(c); ok && c != primary {
				spatial = append(spatial, c)
				seen[c] = true
			}
		}
		rest := []string{}
		for _, d := range dims {
			if d != primary && !seen[d] {
				rest = append(rest, d)
			}
		}
		return append(spatial, rest...)
	}
	prio := []string{}
	if primary != "" {
		prio = append(prio, primary)
	}
	for _, d := range dims {
		if d != primary {
			prio = append(prio, d)
		}
	}
	return prio
}

func groupBytes(g VarGroup, chunks map[string]int) int {
	n := 1
	for _, d := range g.Dims {
		if c, ok := chunks[d]; ok {
			n *= c
		}
	}
	return n * g.MaxItemSize
}

func dimInGroups(dim string, groups []VarGroup) bool {
	for _, g := range groups {
		for _, d := range g.Dims {
			if d == dim {
				return true
			}
		}
	}
	return false
}

func cloneWith(m map[string]int, k string, v int) map[string]int {
	out := make(map[string]int, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
