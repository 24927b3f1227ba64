package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"autosubmit/internal/apperrors"
)

// Running levels: how many jobs a section produces.
const (
	RunningOnce   = "once"
	RunningDate   = "date"
	RunningMember = "member"
	RunningChunk  = "chunk"
)

// Wrapper types.
const (
	WrapperNone               = "none"
	WrapperHorizontal         = "horizontal"
	WrapperVertical           = "vertical"
	WrapperVerticalHorizontal = "vertical-horizontal"
	WrapperHorizontalVertical = "horizontal-vertical"
)

// Dependency conditions: the parent status that satisfies an edge.
const (
	ConditionCompleted = "COMPLETED"
	ConditionFailed    = "FAILED"
	ConditionSkipped   = "SKIPPED"
	ConditionAny       = "ANY"
)

const defaultSafetySleep = 10 * time.Second

// Experiment is the parsed and validated experiment definition.
type Experiment struct {
	ExpID           string               `toml:"expid"`
	Dates           []string             `toml:"dates"`
	Members         []string             `toml:"members"`
	NumChunks       int                  `toml:"num_chunks"`
	ChunkIni        int                  `toml:"chunk_ini"`
	DefaultPlatform string               `toml:"default_platform"`
	Retrials        int                  `toml:"retrials"`
	SafetySleep     string               `toml:"safety_sleep"`
	TotalJobs       int                  `toml:"total_jobs"`
	MaxWaitingJobs  int                  `toml:"max_waiting_jobs"`
	RunOnlyMembers  []string             `toml:"run_only_members"`
	Sections        map[string]*Section  `toml:"sections"`
	Platforms       map[string]*Platform `toml:"platforms"`
	Wrappers        map[string]*Wrapper  `toml:"wrappers"`

	// SectionOrder lists sections in file declaration order.
	SectionOrder []string `toml:"-"`

	safetySleep time.Duration
}

// Section describes one kind of job.
type Section struct {
	Running      string            `toml:"running"`
	Dependencies []string          `toml:"dependencies"`
	Conditions   map[string]string `toml:"conditions"`
	Platform     string            `toml:"platform"`
	Wallclock    string            `toml:"wallclock"`
	Processors   int               `toml:"processors"`
	Retrials     *int              `toml:"retrials"` // unset inherits the experiment value, 0 disables retries
	Script       string            `toml:"script"`
	Hold         bool              `toml:"hold"` // submit held, released outside the run loop

	deps      []Dependency
	wallclock time.Duration
}

// Platform describes one execution back end.
type Platform struct {
	Type           string `toml:"type"`
	Image          string `toml:"image"`
	Host           string `toml:"host"`
	LogDir         string `toml:"log_dir"`
	TotalJobs      int    `toml:"total_jobs"`
	MaxWaitingJobs int    `toml:"max_waiting_jobs"`
}

// Wrapper groups jobs of some sections into a single submission.
type Wrapper struct {
	Type       string   `toml:"type"`
	Sections   []string `toml:"sections"`
	MinWrapped int      `toml:"min_wrapped"`
	MaxWrapped int      `toml:"max_wrapped"`
}

// Dependency is one parsed entry of a section's dependency list.
type Dependency struct {
	Section     string
	ChunkOffset int  // relative chunk, e.g. -1 for SIM-1
	Relative    bool // ChunkOffset was given explicitly
	Condition   string
}

var dependencyPattern = regexp.MustCompile(`^([A-Za-z0-9_]+)([-+][0-9]+)?$`)

// LoadExperiment reads and validates a TOML experiment definition.
// Unknown keys are rejected.
func LoadExperiment(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.FatalError("config.read", err)
	}
	return ParseExperiment(data)
}

// ParseExperiment decodes and validates an experiment definition.
func ParseExperiment(data []byte) (*Experiment, error) {
	var exp Experiment
	if err := toml.NewDecoder(bytes.NewReader(data)).Strict(true).Decode(&exp); err != nil {
		return nil, apperrors.Config("experiment", err.Error())
	}

	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, apperrors.Config("experiment", err.Error())
	}
	if sub, ok := tree.Get("sections").(*toml.Tree); ok {
		exp.SectionOrder = orderedKeys(sub)
	}

	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return &exp, nil
}

// orderedKeys returns the keys of t in file order.
func orderedKeys(t *toml.Tree) []string {
	type keyPos struct {
		Key  string
		Line int
		Col  int
	}
	keys := t.Keys()
	poses := make([]keyPos, 0, len(keys))
	for _, k := range keys {
		p := keyPos{Key: k}
		if subt, ok := t.Get(k).(*toml.Tree); ok {
			p.Line = subt.Position().Line
			p.Col = subt.Position().Col
		}
		poses = append(poses, p)
	}
	sort.SliceStable(poses, func(i, j int) bool {
		if poses[i].Line != poses[j].Line {
			return poses[i].Line < poses[j].Line
		}
		if poses[i].Col != poses[j].Col {
			return poses[i].Col < poses[j].Col
		}
		return poses[i].Key < poses[j].Key
	})
	ordkeys := make([]string, len(poses))
	for i, p := range poses {
		ordkeys[i] = p.Key
	}
	return ordkeys
}

// Validate checks the definition and resolves derived values.
func (e *Experiment) Validate() error {
	if e.ExpID == "" {
		return apperrors.Config("expid", "is required")
	}
	if len(e.Dates) == 0 {
		return apperrors.Config("dates", "at least one start date is required")
	}
	if dup := firstDuplicate(e.Dates); dup != "" {
		return apperrors.Config("dates", "duplicate date "+dup)
	}
	if len(e.Members) == 0 {
		return apperrors.Config("members", "at least one member is required")
	}
	if dup := firstDuplicate(e.Members); dup != "" {
		return apperrors.Config("members", "duplicate member "+dup)
	}
	for _, m := range e.RunOnlyMembers {
		if !slices.Contains(e.Members, m) {
			return apperrors.Config("run_only_members", "unknown member "+m)
		}
	}
	if e.NumChunks <= 0 {
		return apperrors.Config("num_chunks", "must be positive")
	}
	if e.ChunkIni <= 0 {
		e.ChunkIni = 1
	}
	if e.ChunkIni > e.NumChunks {
		return apperrors.Config("chunk_ini", "must not exceed num_chunks")
	}
	if e.Retrials < 0 {
		return apperrors.Config("retrials", "must not be negative")
	}

	e.safetySleep = defaultSafetySleep
	if e.SafetySleep != "" {
		d, err := time.ParseDuration(e.SafetySleep)
		if err != nil || d < 0 {
			return apperrors.Config("safety_sleep", "invalid duration "+e.SafetySleep)
		}
		e.safetySleep = d
	}

	if len(e.Platforms) == 0 {
		return apperrors.Config("platforms", "at least one platform is required")
	}
	for name, p := range e.Platforms {
		if p == nil {
			return apperrors.Config("platforms."+name, "empty definition")
		}
		if p.TotalJobs <= 0 {
			p.TotalJobs = e.TotalJobs
		}
		if p.MaxWaitingJobs <= 0 {
			p.MaxWaitingJobs = e.MaxWaitingJobs
		}
	}
	if e.DefaultPlatform == "" {
		if len(e.Platforms) != 1 {
			return apperrors.Config("default_platform", "is required when more than one platform is defined")
		}
		for name := range e.Platforms {
			e.DefaultPlatform = name
		}
	}
	if _, ok := e.Platforms[e.DefaultPlatform]; !ok {
		return apperrors.Config("default_platform", "unknown platform "+e.DefaultPlatform)
	}

	if len(e.Sections) == 0 {
		return apperrors.Config("sections", "at least one section is required")
	}
	if len(e.SectionOrder) != len(e.Sections) {
		e.SectionOrder = e.SectionOrder[:0]
		for name := range e.Sections {
			e.SectionOrder = append(e.SectionOrder, name)
		}
		sort.Strings(e.SectionOrder)
	}
	for _, name := range e.SectionOrder {
		if err := e.validateSection(name, e.Sections[name]); err != nil {
			return err
		}
	}

	for name, w := range e.Wrappers {
		if err := e.validateWrapper(name, w); err != nil {
			return err
		}
	}
	return nil
}

func (e *Experiment) validateSection(name string, s *Section) error {
	field := "sections." + name
	if s == nil {
		return apperrors.Config(field, "empty definition")
	}
	switch s.Running {
	case "":
		s.Running = RunningOnce
	case RunningOnce, RunningDate, RunningMember, RunningChunk:
	default:
		return apperrors.Config(field+".running", "unknown running level "+s.Running)
	}
	if s.Platform != "" {
		if _, ok := e.Platforms[s.Platform]; !ok {
			return apperrors.Config(field+".platform", "unknown platform "+s.Platform)
		}
	}
	if s.Retrials != nil && *s.Retrials < 0 {
		return apperrors.Config(field+".retrials", "must not be negative")
	}
	if s.Processors <= 0 {
		s.Processors = 1
	}
	if s.Wallclock != "" {
		d, err := ParseWallclock(s.Wallclock)
		if err != nil {
			return apperrors.Config(field+".wallclock", err.Error())
		}
		s.wallclock = d
	}

	s.deps = s.deps[:0]
	for _, raw := range s.Dependencies {
		m := dependencyPattern.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			return apperrors.Config(field+".dependencies", "malformed dependency "+raw)
		}
		dep := Dependency{Section: m[1], Condition: ConditionCompleted}
		if _, ok := e.Sections[dep.Section]; !ok {
			return apperrors.Config(field+".dependencies", "unknown section "+dep.Section)
		}
		if m[2] != "" {
			offset, _ := strconv.Atoi(m[2])
			dep.ChunkOffset = offset
			dep.Relative = true
		}
		if dep.Section == name && dep.ChunkOffset >= 0 {
			return apperrors.Config(field+".dependencies", "a section may only depend on earlier chunks of itself")
		}
		if cond, ok := s.Conditions[raw]; ok {
			cond = strings.ToUpper(strings.TrimSpace(cond))
			switch cond {
			case ConditionCompleted, ConditionFailed, ConditionSkipped, ConditionAny:
				dep.Condition = cond
			default:
				return apperrors.Config(field+".conditions", "unknown condition "+cond)
			}
		}
		s.deps = append(s.deps, dep)
	}
	for key := range s.Conditions {
		if !slices.Contains(s.Dependencies, key) {
			return apperrors.Config(field+".conditions", "condition for undeclared dependency "+key)
		}
	}
	return nil
}

func (e *Experiment) validateWrapper(name string, w *Wrapper) error {
	field := "wrappers." + name
	if w == nil {
		return apperrors.Config(field, "empty definition")
	}
	switch w.Type {
	case WrapperHorizontal, WrapperVertical, WrapperVerticalHorizontal, WrapperHorizontalVertical:
	case "", WrapperNone:
		w.Type = WrapperNone
	default:
		return apperrors.Config(field+".type", "unknown wrapper type "+w.Type)
	}
	if len(w.Sections) == 0 {
		return apperrors.Config(field+".sections", "at least one section is required")
	}
	for _, s := range w.Sections {
		if _, ok := e.Sections[s]; !ok {
			return apperrors.Config(field+".sections", "unknown section "+s)
		}
		for other, ow := range e.Wrappers {
			if other != name && ow != nil && slices.Contains(ow.Sections, s) {
				return apperrors.Config(field+".sections", fmt.Sprintf("section %s is also wrapped by %s", s, other))
			}
		}
	}
	if w.MinWrapped <= 0 {
		w.MinWrapped = 2
	}
	if w.MaxWrapped <= 0 {
		w.MaxWrapped = 999999
	}
	if w.MinWrapped > w.MaxWrapped {
		return apperrors.Config(field, "min_wrapped exceeds max_wrapped")
	}
	return nil
}

// SafetySleepDuration is the pause between two cycles.
func (e *Experiment) SafetySleepDuration() time.Duration {
	return e.safetySleep
}

// Deps returns the parsed dependencies of the section.
func (s *Section) Deps() []Dependency {
	return s.deps
}

// WallclockDuration returns the parsed wallclock, zero when unset.
func (s *Section) WallclockDuration() time.Duration {
	return s.wallclock
}

// SectionRetrials returns the retry budget of a section. A section that
// sets retrials, even to zero, overrides the experiment value.
func (e *Experiment) SectionRetrials(section string) int {
	if s, ok := e.Sections[section]; ok && s.Retrials != nil {
		return *s.Retrials
	}
	return e.Retrials
}

// WrapperFor returns the wrapper that groups section, or nil.
func (e *Experiment) WrapperFor(section string) (string, *Wrapper) {
	names := make([]string, 0, len(e.Wrappers))
	for name := range e.Wrappers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w := e.Wrappers[name]
		if w.Type != WrapperNone && slices.Contains(w.Sections, section) {
			return name, w
		}
	}
	return "", nil
}

// ParseWallclock parses HH:MM or HH:MM:SS.
func ParseWallclock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("wallclock %q must be HH:MM or HH:MM:SS", s)
	}
	var total time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("wallclock %q must be HH:MM or HH:MM:SS", s)
		}
		total += time.Duration(n) * units[i]
	}
	return total, nil
}

func firstDuplicate(values []string) string {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return v
		}
		seen[v] = struct{}{}
	}
	return ""
}
