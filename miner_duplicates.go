package main

// duplicateShareKey is a compact, comparable representation of a share
// submission. It stores a bounded prefix of the concatenated extranonce2,
// ntime, version, and nonce fields.
type duplicateShareKey struct {
	n   uint8
	buf [maxDuplicateShareKeyBytes]byte
}

// duplicateShareSet is a per-job duplicate detection cache with bounded
// size. When full it drops the oldest tenth of its history.
type duplicateShareSet struct {
	m     map[duplicateShareKey]struct{}
	order []duplicateShareKey
}

func makeDuplicateShareKey(dst *duplicateShareKey, extranonce2, ntime, nonce string, version uint32) {
	*dst = duplicateShareKey{}
	write := func(s string) {
		for i := 0; i < len(s) && int(dst.n) < maxDuplicateShareKeyBytes; i++ {
			dst.buf[dst.n] = s[i]
			dst.n++
		}
	}
	sep := func() {
		if int(dst.n) < maxDuplicateShareKeyBytes {
			dst.buf[dst.n] = ':'
			dst.n++
		}
	}
	write(extranonce2)
	sep()
	write(ntime)
	sep()
	const hexChars = "0123456789abcdef"
	for shift := 28; shift >= 0 && int(dst.n) < maxDuplicateShareKeyBytes; shift -= 4 {
		dst.buf[dst.n] = hexChars[(version>>uint(shift))&0xf]
		dst.n++
	}
	sep()
	write(nonce)
}

// seenOrAdd reports whether key has already been seen, recording it if not.
func (s *duplicateShareSet) seenOrAdd(key duplicateShareKey) bool {
	if s.m == nil {
		s.m = make(map[duplicateShareKey]struct{}, 64)
	}
	if _, seen := s.m[key]; seen {
		return true
	}
	if len(s.order) >= duplicateShareHistory {
		evict := duplicateShareHistory / 10
		if evict < 1 {
			evict = 1
		}
		for i := 0; i < evict; i++ {
			delete(s.m, s.order[i])
		}
		s.order = s.order[evict:]
	}
	s.m[key] = struct{}{}
	s.order = append(s.order, key)
	return false
}

// isDuplicateShare checks and records the submission tuple for a job.
// Caller holds no locks; the per-connection jobMu serializes access.
func (mc *MinerConn) isDuplicateShare(jobID, extranonce2, ntime, nonce string, version uint32) bool {
	var key duplicateShareKey
	makeDuplicateShareKey(&key, extranonce2, ntime, nonce, version)

	mc.jobMu.Lock()
	defer mc.jobMu.Unlock()
	set, ok := mc.shareCache[jobID]
	if !ok {
		set = &duplicateShareSet{}
		mc.shareCache[jobID] = set
	}
	return set.seenOrAdd(key)
}
