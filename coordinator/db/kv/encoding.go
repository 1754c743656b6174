package kv

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cipherbox/cipherbox/coordinator/types"
	"github.com/pkg/errors"
)

func encodeEnrollment(e *types.Enrollment) ([]byte, error) {
	if e == nil {
		return nil, errors.New("cannot encode nil enrollment")
	}
	return json.Marshal(e)
}

func decodeEnrollment(enc []byte) (*types.Enrollment, error) {
	e := &types.Enrollment{}
	if err := json.Unmarshal(enc, e); err != nil {
		return nil, errors.Wrap(err, "could not decode enrollment")
	}
	return e, nil
}

func encodeEpochState(s *types.EpochState) ([]byte, error) {
	if s == nil {
		return nil, errors.New("cannot encode nil epoch state")
	}
	return json.Marshal(s)
}

func decodeEpochState(enc []byte) (*types.EpochState, error) {
	s := &types.EpochState{}
	if err := json.Unmarshal(enc, s); err != nil {
		return nil, errors.Wrap(err, "could not decode epoch state")
	}
	return s, nil
}

func encodeRotationLogEntry(e *types.RotationLogEntry) ([]byte, error) {
	if e == nil {
		return nil, errors.New("cannot encode nil rotation log entry")
	}
	return json.Marshal(e)
}

func decodeRotationLogEntry(enc []byte) (*types.RotationLogEntry, error) {
	e := &types.RotationLogEntry{}
	if err := json.Unmarshal(enc, e); err != nil {
		return nil, errors.Wrap(err, "could not decode rotation log entry")
	}
	return e, nil
}

// dueIndexKey builds the composite key for the due index: big-endian unix
// nanos followed by the enrollment id. The big-endian prefix keeps a bolt
// cursor walk in due-time order.
func dueIndexKey(dueAtUnixNano int64, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[:8], uint64(dueAtUnixNano))
	copy(key[8:], id)
	return key
}

func nameIndexKey(owner, ipnsName string) []byte {
	key := make([]byte, 0, len(owner)+1+len(ipnsName))
	key = append(key, owner...)
	key = append(key, nameIndexSeparator)
	key = append(key, ipnsName...)
	return key
}
