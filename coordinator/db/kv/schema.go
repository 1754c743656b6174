package kv

// The schema will define how to store and retrieve data in the db, so we can
// quickly iterate over enrollments that are due and keep the (owner, name)
// uniqueness constraint cheap to enforce.
var (
	enrollmentsBucket = []byte("enrollments")
	// owner + 0x00 + ipns name -> enrollment id.
	nameIndexBucket = []byte("enrollment-name-index")
	// big-endian next-due unix nanos + enrollment id -> enrollment id.
	// Only rows with status active or retrying appear here.
	dueIndexBucket = []byte("enrollment-due-index")
	// Singleton bucket holding the epoch state under epochStateKey.
	epochStateBucket = []byte("epoch-state")
	// Monotonic sequence -> rotation log entry, append-only.
	rotationLogBucket = []byte("rotation-log")

	epochStateKey = []byte("state")
)

// nameIndexSeparator joins owner and ipns name in the name index. Neither
// field may contain a NUL byte; the enrollment API enforces printable ASCII.
const nameIndexSeparator = byte(0x00)
