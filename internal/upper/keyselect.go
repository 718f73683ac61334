package upper

// AppKeyCandidate is the subset of an ApplicationKey's identity the access
// layer needs to try candidate keys in turn when decrypting an inbound
// access PDU (SPEC_FULL.md §4.E "key selection on receive").
type AppKeyCandidate struct {
	Index int
	AID   byte
	Key   [16]byte
	// OldAID and OldKey are populated only while the key is mid
	// key-refresh; MatchingAID reports both generations as candidates.
	HasOld bool
	OldAID byte
	OldKey [16]byte
}

// MatchingAppKeys filters candidates to those whose current or old AID
// equals the access PDU header's AID field, returning for each match the
// key material to try.
func MatchingAppKeys(candidates []AppKeyCandidate, aid byte) [][16]byte {
	var out [][16]byte
	for _, c := range candidates {
		if c.AID == aid {
			out = append(out, c.Key)
		} else if c.HasOld && c.OldAID == aid {
			out = append(out, c.OldKey)
		}
	}
	return out
}
