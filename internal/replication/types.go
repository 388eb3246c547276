// Package replication is the replication execution core: it plans
// per-dataset steps from reconciled source/destination state, resumes
// partially completed transfers, sequences incremental sends, and
// drives a task runner that classifies failures and retries with
// backoff. See the sub-packages planner, logic and driver for the
// individual components; this package holds the shared data model
// (task definitions, contexts, step templates) every one of them
// threads through.
package replication

import (
	"strings"
	"sync"
	"time"
)

// Direction is the replication direction of a task.
type Direction int

const (
	DirectionPush Direction = iota
	DirectionPull
)

const _DirectionName = "PushPull"

var _DirectionIndex = [...]uint8{0, 4, 8}

func (d Direction) String() string {
	if d < 0 || int(d) >= len(_DirectionIndex)-1 {
		return "Direction(" + itoa(int(d)) + ")"
	}
	return _DirectionName[_DirectionIndex[d]:_DirectionIndex[d+1]]
}

// DirectionFromString parses the string representation produced by
// Direction.String, returning an error for anything else.
func DirectionFromString(s string) (Direction, error) {
	switch s {
	case "Push":
		return DirectionPush, nil
	case "Pull":
		return DirectionPull, nil
	default:
		return 0, &unknownEnumValueError{typeName: "Direction", value: s}
	}
}

// ReadonlyMode controls whether the destination's readonly property
// is left alone, set after a successful send, or required up front.
type ReadonlyMode int

const (
	ReadonlyIgnore ReadonlyMode = iota
	ReadonlySet
	ReadonlyRequire
)

const _ReadonlyModeName = "IgnoreSetRequire"

var _ReadonlyModeIndex = [...]uint8{0, 6, 9, 16}

func (m ReadonlyMode) String() string {
	if m < 0 || int(m) >= len(_ReadonlyModeIndex)-1 {
		return "ReadonlyMode(" + itoa(int(m)) + ")"
	}
	return _ReadonlyModeName[_ReadonlyModeIndex[m]:_ReadonlyModeIndex[m+1]]
}

type unknownEnumValueError struct {
	typeName string
	value    string
}

func (e *unknownEnumValueError) Error() string {
	return e.value + " does not belong to " + e.typeName + " values"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// EncryptionRecipe describes the encryption intent a task requests
// for an initial send: key material plus the scheme/keyformat ZFS
// should apply on receive.
type EncryptionRecipe struct {
	KeyMaterial []byte
	Scheme      string
	Keyformat   string
}

// Snapshot identifies a single ZFS snapshot by dataset and name.
type Snapshot struct {
	Dataset string
	Name    string
}

// ParsedSnapshot is a Snapshot whose name matched a naming schema,
// adding the fields the planner sorts and compares on.
type ParsedSnapshot struct {
	Snapshot
	DateTime time.Time
	Schema   string
}

// Less implements the planner's total order: ascending by
// (datetime, name), ties on name broken lexicographically.
func (p ParsedSnapshot) Less(o ParsedSnapshot) bool {
	if !p.DateTime.Equal(o.DateTime) {
		return p.DateTime.Before(o.DateTime)
	}
	return p.Name < o.Name
}

// Equal compares parsed snapshots by (name, schema), so the same
// snapshot name recognized under two schemas is not treated as one.
func (p ParsedSnapshot) Equal(o ParsedSnapshot) bool {
	return p.Name == o.Name && p.Schema == o.Schema
}

// RetentionPolicy is a pure function over a reference time and a
// candidate snapshot list, returning the subset that would be
// destroyed. The core treats this as an external collaborator — see
// internal/pruning for a concrete implementation — and consults it
// only to pre-prune the send list (never to actually destroy
// anything itself). Per spec.md §4.B.4 it is always invoked with the
// same list in both the "all snapshots" and "candidates" role.
type RetentionPolicy func(refTime time.Time, candidates []ParsedSnapshot) []ParsedSnapshot

// ReplicationTask is a single configured replication job: immutable
// for the duration of a run.
type ReplicationTask struct {
	ID                      string
	Direction               Direction
	SourceDatasets          []string
	TargetDataset           string
	Recursive               bool
	Exclude                 map[string]struct{}
	RecognizedNamingSchemas []string
	RetentionPolicy         RetentionPolicy
	Readonly                ReadonlyMode
	AllowFromScratch        bool
	Replicate               bool
	Encryption              *EncryptionRecipe
	Properties              bool
	PropertiesExclude       map[string]struct{}
	PropertiesOverride      map[string]string
	Retries                 int
	Compression             bool
	SpeedLimit              int64
	Dedup                   bool
	LargeBlock              bool
	Embed                   bool
	Compressed              bool
}

// IsExcluded reports whether dataset is named in the task's exclude
// set.
func (t *ReplicationTask) IsExcluded(dataset string) bool {
	_, ok := t.Exclude[dataset]
	return ok
}

// IsChildDataset reports whether x is y or a descendant of y, per
// spec.md's dataset-name convention (slash-separated path, child iff
// x == y or x starts with "y/").
func IsChildDataset(x, y string) bool {
	return x == y || strings.HasPrefix(x, y+"/")
}

// RelPath returns child's path relative to root, the way
// get_target_dataset in the python original computes the fan-out
// target for recursive+exclude tasks.
func RelPath(child, root string) string {
	if child == root {
		return ""
	}
	return strings.TrimPrefix(child, root+"/")
}

// TargetDataset computes the destination dataset srcDataset replicates
// to under task's target prefix.
func TargetDataset(task *ReplicationTask, srcDataset, taskSourceDataset string) string {
	rel := RelPath(srcDataset, taskSourceDataset)
	if rel == "" {
		return task.TargetDataset
	}
	return task.TargetDataset + "/" + rel
}

// ReplicationContext is one side (source or destination) of a task,
// mutable for the duration of a part. Its four maps are lazily
// populated by the step template builder; absence from `datasets`
// means unknown or nonexistent, not empty.
type ReplicationContext struct {
	Shell     Shell
	Transport Transport

	mu           sync.Mutex
	datasets     map[string][]string // dataset -> snapshot names, creation order
	encrypted    map[string]bool
	readonly     map[string]bool
	resumeTokens map[string]string
}

// NewReplicationContext returns an empty context bound to shell (and,
// for remote sides, transport).
func NewReplicationContext(shell Shell, transport Transport) *ReplicationContext {
	return &ReplicationContext{
		Shell:        shell,
		Transport:    transport,
		datasets:     make(map[string][]string),
		encrypted:    make(map[string]bool),
		readonly:     make(map[string]bool),
		resumeTokens: make(map[string]string),
	}
}

func (c *ReplicationContext) SetSnapshots(dataset string, snapshots []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datasets[dataset] = snapshots
}

// Snapshots returns dataset's snapshot names and whether the dataset
// is known to exist at all (absence means unknown/nonexistent, per
// the data model in spec.md §3).
func (c *ReplicationContext) Snapshots(dataset string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.datasets[dataset]
	return s, ok
}

func (c *ReplicationContext) Datasets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.datasets))
	for d := range c.datasets {
		out = append(out, d)
	}
	return out
}

func (c *ReplicationContext) Forget(dataset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.datasets, dataset)
	delete(c.encrypted, dataset)
	delete(c.readonly, dataset)
	delete(c.resumeTokens, dataset)
}

func (c *ReplicationContext) SetEncrypted(dataset string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encrypted[dataset] = v
}

func (c *ReplicationContext) Encrypted(dataset string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypted[dataset]
}

func (c *ReplicationContext) SetReadonly(dataset string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readonly[dataset] = v
}

func (c *ReplicationContext) Readonly(dataset string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.readonly[dataset]
	return v, ok
}

// SetResumeToken stores dataset's receive-resume token, normalizing
// the provider sentinel value "-" to absent per spec.md §4.C.4.
func (c *ReplicationContext) SetResumeToken(dataset, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == "-" || token == "" {
		delete(c.resumeTokens, dataset)
		return
	}
	c.resumeTokens[dataset] = token
}

func (c *ReplicationContext) ResumeToken(dataset string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.resumeTokens[dataset]
	return t, ok
}

func (c *ReplicationContext) ClearResumeToken(dataset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resumeTokens, dataset)
}

// TemplateKey is a step template's identity: two templates are equal
// iff they share (task ID, src dataset, dst dataset). It is the key
// used into GlobalContext's counters.
type TemplateKey struct {
	TaskID     string
	SrcDataset string
	DstDataset string
}

// StepTemplate is the "what is to be replicated between these two
// datasets" record: reusable across retries and resume discovery.
type StepTemplate struct {
	Task        *ReplicationTask
	SrcContext  *ReplicationContext
	DstContext  *ReplicationContext
	SrcDataset  string
	DstDataset  string
}

func (t *StepTemplate) Key() TemplateKey {
	return TemplateKey{TaskID: t.Task.ID, SrcDataset: t.SrcDataset, DstDataset: t.DstDataset}
}

// StepKind tags a Step's mode. Rather than a single record with
// optional fields and runtime invariants, steps are a tagged variant
// so I1 ("exactly one of snapshot/resume token set") and I2
// ("encryption only on an initial send") hold by construction.
type StepKind int

const (
	StepInitial StepKind = iota
	StepIncremental
	StepResume
)

// Step is one instantiation of a StepTemplate.
type Step struct {
	template *StepTemplate
	kind     StepKind

	snapshot        string // StepInitial, StepIncremental
	incrementalBase string // StepIncremental only
	encryption      *EncryptionRecipe // StepInitial only

	resumeToken string // StepResume only
}

// NewInitialStep builds a from-scratch send of snapshot, optionally
// carrying an encryption recipe (valid only here, per I2).
func NewInitialStep(tmpl *StepTemplate, snapshot string, encryption *EncryptionRecipe) *Step {
	return &Step{template: tmpl, kind: StepInitial, snapshot: snapshot, encryption: encryption}
}

// NewIncrementalStep builds an incremental send of snapshot based on
// base.
func NewIncrementalStep(tmpl *StepTemplate, base, snapshot string) *Step {
	return &Step{template: tmpl, kind: StepIncremental, snapshot: snapshot, incrementalBase: base}
}

// NewResumeStep builds a resume-mode step driven entirely by token;
// label is the best-known name of the snapshot the token refers to,
// or "" if unknown (the resumer's degraded case, spec.md §9).
func NewResumeStep(tmpl *StepTemplate, token, label string) *Step {
	return &Step{template: tmpl, kind: StepResume, resumeToken: token, snapshot: label}
}

func (s *Step) Template() *StepTemplate   { return s.template }
func (s *Step) Kind() StepKind            { return s.kind }
func (s *Step) Snapshot() string          { return s.snapshot }
func (s *Step) IncrementalBase() string   { return s.incrementalBase }
func (s *Step) Encryption() *EncryptionRecipe { return s.encryption }
func (s *Step) ResumeToken() string       { return s.resumeToken }

// Label is the observer-facing snapshot name for this step: the
// "unknown snapshot" sentinel in the resume-with-empty-send-list
// degraded case (spec.md §9's open question) is surfaced here rather
// than silently reported as success.
func (s *Step) Label() string {
	if s.snapshot == "" {
		return "<unknown>"
	}
	return s.snapshot
}

func (s *Step) String() string {
	switch s.kind {
	case StepResume:
		return s.template.SrcDataset + " (resume " + s.Label() + ")"
	case StepInitial:
		return s.template.SrcDataset + s.snapshot + " (full)"
	default:
		return s.template.SrcDataset + "(" + s.incrementalBase + " => " + s.snapshot + ")"
	}
}

// GlobalContext holds the per-task counters shared between a task's
// two ReplicationContexts: snapshots_sent and snapshots_total, keyed
// by step-template identity. A systems-language implementation uses
// an explicit map with get-or-zero at increment sites (spec.md §9);
// plain maps need no third-party dependency, same as the teacher's
// own bookkeeping.
type GlobalContext struct {
	mu    sync.Mutex
	sent  map[TemplateKey]int
	total map[TemplateKey]int
}

func NewGlobalContext() *GlobalContext {
	return &GlobalContext{sent: make(map[TemplateKey]int), total: make(map[TemplateKey]int)}
}

func (g *GlobalContext) AddTotal(k TemplateKey, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.total[k] += n
}

func (g *GlobalContext) IncSent(k TemplateKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent[k]++
}

// Zero resets both counters for k, used when an obsolete resume token
// is discarded and the template must be re-planned from scratch
// (spec.md §4.E, P6).
func (g *GlobalContext) Zero(k TemplateKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent[k] = 0
	g.total[k] = 0
}

func (g *GlobalContext) Sent(k TemplateKey) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent[k]
}

func (g *GlobalContext) Total(k TemplateKey) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total[k]
}

// Sums returns both counters summed across every template (P5:
// sent <= total at every observer event, equality at TaskSuccess).
func (g *GlobalContext) Sums() (sent, total int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range g.sent {
		sent += v
	}
	for _, v := range g.total {
		total += v
	}
	return sent, total
}
