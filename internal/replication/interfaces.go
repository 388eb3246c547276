package replication

import (
	"context"
	"time"
)

// NameParser recognizes a snapshot name against a set of naming
// schemas, returning its parsed datetime when recognized. Snapshot
// name parsing itself is outside the core's scope (spec.md §1(iii));
// the planner only consumes this interface.
type NameParser interface {
	Parse(name string, schemas []string) (t time.Time, schema string, ok bool)
}

// Shell is the capability to execute a command against one side of a
// replication (local or remote). It backs the terminal `zfs destroy`,
// `zfs recv -A`, `zfs umount`, `zfs inherit readonly`, `zfs set
// readonly=on` calls spec.md §6 names.
type Shell interface {
	Exec(ctx context.Context, argv ...string) ([]byte, error)
}

// DatasetProperties is one row of ListDatasetsWithProperties: a
// dataset name plus the subset of properties the caller asked for.
type DatasetProperties struct {
	Name        string
	Readonly    bool
	ResumeToken string
}

// Provider is the dataset/snapshot provider capability the core
// consumes but does not implement: it lists datasets and snapshots,
// reads/writes dataset properties, and creates/destroys datasets and
// snapshots. internal/zfs's Provider implements this interface
// directly.
type Provider interface {
	ListDatasets(ctx context.Context, shell Shell, root string, recursive bool) ([]string, error)
	ListSnapshots(ctx context.Context, shell Shell, root string, recursive bool) ([]Snapshot, error)
	// ListDatasetsWithProperties fails with ErrDatasetDoesNotExist for
	// a missing root; that is not an error the caller should escalate,
	// per spec.md §4.C.4.
	ListDatasetsWithProperties(ctx context.Context, shell Shell, root string, recursive bool) ([]DatasetProperties, error)
	GetProperty(ctx context.Context, shell Shell, dataset, prop string) (string, error)
	GetProperties(ctx context.Context, shell Shell, dataset string, propSchema []string) (map[string]string, error)
	CreateDataset(ctx context.Context, shell Shell, name string) error
	DestroyDataset(ctx context.Context, shell Shell, dataset string) error
	DestroySnapshots(ctx context.Context, shell Shell, snaps []Snapshot) error
	// DatasetUsedBytes reports how much data (not counting snapshots)
	// a mounted dataset holds; it fails with ErrDatasetNotMounted for
	// an unmounted dataset.
	DatasetUsedBytes(ctx context.Context, shell Shell, dataset string) (uint64, error)
	// Unmount, AbortReceive, InheritReadonly and SetReadonly back the
	// terminal zfs commands spec.md §6 names directly.
	Unmount(ctx context.Context, shell Shell, dataset string) error
	AbortReceive(ctx context.Context, shell Shell, dataset string) error
	InheritReadonly(ctx context.Context, shell Shell, dataset string) error
	SetReadonly(ctx context.Context, shell Shell, dataset string, on bool) error
}

// Provider sentinel errors. ErrDatasetDoesNotExist and
// ErrDatasetNotMounted are ordinary, expected outcomes the core
// checks for with errors.Is rather than escalates.
// ErrEncryptionUnsupported stands in for the ExecException
// get_properties raises on unsupported features (spec.md §6); the
// core treats it exactly like encryption=off.
var (
	ErrDatasetDoesNotExist   = providerError("dataset does not exist")
	ErrDatasetNotMounted     = providerError("dataset is not mounted")
	ErrEncryptionUnsupported = providerError("encryption unsupported")
)

type providerError string

func (e providerError) Error() string { return string(e) }

// ProcessRequest is everything the transport needs to build one
// replication_process: the task's tunables plus the resolved
// per-step parameters (spec.md §6).
type ProcessRequest struct {
	TaskID    string
	Local     Shell
	Remote    Shell
	Direction Direction

	SrcDataset string
	DstDataset string
	Snapshot   string

	Properties         bool
	PropertiesExclude  map[string]struct{}
	PropertiesOverride map[string]string
	Replicate          bool

	Encryption         *EncryptionRecipe
	IncrementalBase    string
	ReceiveResumeToken string

	Compression bool
	SpeedLimit  int64
	Dedup       bool
	LargeBlock  bool
	Embed       bool
	Compressed  bool

	EncryptedSource bool
}

// Process is a running (or about-to-run) replication stream. It is
// driven by a run-loop that waits on Wait while a monitor polls the
// destination dataset for liveness.
type Process interface {
	AddProgressObserver(fn func(bytesSent, bytesTotal uint64))
	Start(ctx context.Context) error
	Wait() error
}

// Transport is the streaming send/receive capability the core
// consumes but does not implement.
type Transport interface {
	ReplicationProcess(ctx context.Context, req ProcessRequest) (Process, error)
}
