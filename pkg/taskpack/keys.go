// Package taskpack derives the keys linking a task request to its runtime
// entities and converts them to and from their packed external string form.
//
// All four keys for one request resolve to the same root request id, so the
// backing store can keep the entities in a single transactional group.
//
// Request ids embed an inverted millisecond timestamp in their high bits:
// ascending id order is newest-request-first. The dedupe query in the
// scheduler depends on this ordering; stores must preserve it.
package taskpack

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const (
	// MaximumShards bounds the root-entity shard space.
	MaximumShards = 255

	// Shard space nibble counts: narrow on canary to force transaction
	// conflicts, wide in production.
	DefaultShardingLevel = 5
	CanaryShardingLevel  = 2

	// timestampBits is the width of the inverted millisecond timestamp
	// inside a request id. 46 bits of milliseconds last until year ~4199.
	timestampBits = 46
	// suffixBits is the width of the random low bits that keep two
	// requests created in the same millisecond from colliding.
	suffixBits = 16

	timestampMask = int64(1)<<timestampBits - 1
	suffixMask    = int64(1)<<suffixBits - 1
)

var (
	// ErrMalformedKey is returned when a packed id cannot be decoded.
	ErrMalformedKey = errors.New("malformed packed key")
)

// RequestKey identifies a TaskRequest and roots its entity group.
type RequestKey struct {
	ID int64
}

// ResultSummaryKey identifies the TaskResultSummary of a request.
type ResultSummaryKey struct {
	RequestID int64
}

// RunResultKey identifies one TaskRunResult attempt of a request.
type RunResultKey struct {
	RequestID int64
	TryNumber int
}

// ToRunKey identifies the TaskToRun of a request.
type ToRunKey struct {
	RequestID int64
}

// NewRequestKey allocates a key for a request created at the given time.
// Newer requests receive numerically lower ids.
func NewRequestKey(now time.Time, rnd *rand.Rand) RequestKey {
	inv := timestampMask - now.UnixMilli()&timestampMask
	suffix := rnd.Int63() & suffixMask
	return RequestKey{ID: inv<<suffixBits | suffix}
}

// IsZero reports whether the key is unset.
func (k RequestKey) IsZero() bool { return k.ID == 0 }

// Shard maps the request to a root shard. level is the nibble count of the
// shard space; the result fits MaximumShards regardless of level.
func (k RequestKey) Shard(level int) uint32 {
	if level <= 0 {
		return 0
	}
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(k.ID >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	mask := uint32(1)<<(4*level) - 1
	return h.Sum32() & mask & MaximumShards
}

// Key derivations. They are pure functions of the request id.

// RequestKeyToResultSummaryKey returns the summary key of a request.
func RequestKeyToResultSummaryKey(k RequestKey) ResultSummaryKey {
	return ResultSummaryKey{RequestID: k.ID}
}

// RequestKeyToToRunKey returns the to-run key of a request.
func RequestKeyToToRunKey(k RequestKey) ToRunKey {
	return ToRunKey{RequestID: k.ID}
}

// ResultSummaryKeyToRequestKey returns the request key of a summary.
func ResultSummaryKeyToRequestKey(k ResultSummaryKey) RequestKey {
	return RequestKey{ID: k.RequestID}
}

// ResultSummaryKeyToRunResultKey returns the run-result key for an attempt.
func ResultSummaryKeyToRunResultKey(k ResultSummaryKey, tryNumber int) RunResultKey {
	return RunResultKey{RequestID: k.RequestID, TryNumber: tryNumber}
}

// RunResultKeyToResultSummaryKey returns the summary key of a run result.
func RunResultKeyToResultSummaryKey(k RunResultKey) ResultSummaryKey {
	return ResultSummaryKey{RequestID: k.RequestID}
}

// ToRunKeyToRequestKey returns the request key of a to-run.
func ToRunKeyToRequestKey(k ToRunKey) RequestKey {
	return RequestKey{ID: k.RequestID}
}

// Packed string form. The packed id is the request id in lowercase hex with
// one trailing nibble: 0 for a result summary, the try number (1 or 2) for a
// run result. Pack and unpack are total bijections.

// PackResultSummaryKey encodes a summary key for external surfaces.
func PackResultSummaryKey(k ResultSummaryKey) string {
	return strconv.FormatInt(k.RequestID, 16) + "0"
}

// PackRunResultKey encodes a run-result key for external surfaces.
func PackRunResultKey(k RunResultKey) string {
	return strconv.FormatInt(k.RequestID, 16) + strconv.Itoa(k.TryNumber)
}

// UnpackResultSummaryKey decodes a packed summary id.
func UnpackResultSummaryKey(packed string) (ResultSummaryKey, error) {
	id, suffix, err := unpack(packed)
	if err != nil {
		return ResultSummaryKey{}, err
	}
	if suffix != 0 {
		return ResultSummaryKey{}, fmt.Errorf("%w: %q is not a result summary id", ErrMalformedKey, packed)
	}
	return ResultSummaryKey{RequestID: id}, nil
}

// UnpackRunResultKey decodes a packed run-result id.
func UnpackRunResultKey(packed string) (RunResultKey, error) {
	id, suffix, err := unpack(packed)
	if err != nil {
		return RunResultKey{}, err
	}
	if suffix < 1 || suffix > 2 {
		return RunResultKey{}, fmt.Errorf("%w: %q has invalid try number %d", ErrMalformedKey, packed, suffix)
	}
	return RunResultKey{RequestID: id, TryNumber: suffix}, nil
}

func unpack(packed string) (id int64, suffix int, err error) {
	if len(packed) < 2 {
		return 0, 0, fmt.Errorf("%w: %q too short", ErrMalformedKey, packed)
	}
	if packed != strings.ToLower(packed) {
		return 0, 0, fmt.Errorf("%w: %q has uppercase digits", ErrMalformedKey, packed)
	}
	body, last := packed[:len(packed)-1], packed[len(packed)-1]
	id, err = strconv.ParseInt(body, 16, 64)
	if err != nil || id <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedKey, packed)
	}
	// Reject a non-canonical zero-padded body so packing stays bijective.
	if strconv.FormatInt(id, 16) != body {
		return 0, 0, fmt.Errorf("%w: %q is not canonical", ErrMalformedKey, packed)
	}
	suffix = int(last - '0')
	if last < '0' || last > '9' {
		return 0, 0, fmt.Errorf("%w: %q has invalid suffix", ErrMalformedKey, packed)
	}
	return id, suffix, nil
}
