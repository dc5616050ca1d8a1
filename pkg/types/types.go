package types

import "time"

// Manifest binary layout constants (see pkg/manifest).
const (
	ManifestMagic       = "SONEMANI"
	ModuleRecordSize    = 97 // name_hash(32) + flags(1) + key(32) + code_hash(32)
	ManifestSignatureSz = 512
)

// ModuleFlag is a bitmask carried in each module record.
type ModuleFlag uint8

const (
	FlagPkg     ModuleFlag = 1 << 0
	FlagBin     ModuleFlag = 1 << 1
	FlagNoCache ModuleFlag = 1 << 2
)

// Has reports whether flag bit f is set.
func (m ModuleFlag) Has(f ModuleFlag) bool { return m&f != 0 }

// ManifestHeader is the fixed 10-byte lead-in of a manifest blob.
type ManifestHeader struct {
	Magic [8]byte
	Count uint16 // number of submanifests that follow
}

// ManifestBody is one signed submanifest.
type ManifestBody struct {
	Version    uint8
	SigType    uint8
	ModCount   uint16
	Timestamp  uint64
	Signature  [ManifestSignatureSz]byte
	Modules    []ModuleRecord
}

// ModuleRecord describes one distributable module.
type ModuleRecord struct {
	NameHash [32]byte
	Flags    ModuleFlag
	Key      [32]byte // AES-256 content key
	CodeHash [32]byte // SHA-256 of the encrypted code blob (IV || ciphertext)
}

// CacheEntry is one entry in the disk-backed content cache.
type CacheEntry struct {
	Key       string
	Value     []byte
	Tag       string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means never
}

// ScheduleType names the activation predicate families of §4.6.
type ScheduleType string

const (
	ScheduleForce    ScheduleType = "force"
	ScheduleRunonce  ScheduleType = "runonce"
	ScheduleCrontab  ScheduleType = "crontab"
	SchedulePlanned  ScheduleType = "planned"
	SchedulePeriod   ScheduleType = "period"
)

// Schedule is one activation rule attached to a task config.
type Schedule struct {
	Type ScheduleType

	// crontab
	Expr    string // standard 5-field cron expression
	RunASAP bool   // force first run regardless of the cron field match

	// planned
	Start *time.Time
	End   *time.Time

	// period
	Period string // "daily", "weekly", "monthly"
}

// TaskConfig is one scheduling directive for a task, as pushed by the
// backend's "active" response. ID keys the task's last_run cache entry;
// Module names the app resolved through the module loader.
type TaskConfig struct {
	ID       string
	Module   string
	Args     []string
	Kwargs   map[string]string
	Schedule Schedule
}

// TaskStatus is the exit status reported back for a task run.
type TaskStatus struct {
	TaskID   string
	Running  bool
	LastRun  *time.Time
	ExitCode *int
}

// PlatformInfo is the enrollment/auth payload describing this device.
type PlatformInfo struct {
	InstanceID string
	Hostname   string
	OS         string
	Arch       string
	Version    string
}
