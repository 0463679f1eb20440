package codec

// H.264 NAL unit types used by the pipeline.
const (
	NALSlice = 1
	NALIDR   = 5
	NALSEI   = 6
	NALSPS   = 7
	NALPPS   = 8
	NALAUD   = 9
)

// SplitAnnexB returns the NAL units of an Annex-B byte stream without their
// start codes. Bytes before the first start code are ignored.
func SplitAnnexB(b []byte) [][]byte {
	var nals [][]byte
	start := -1
	i := 0
	for i+2 < len(b) {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if start >= 0 {
				nals = append(nals, trimZeros(b[start:i]))
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(b) {
		nals = append(nals, b[start:])
	}
	return nals
}

// trimZeros drops the leading zero of a four-byte start code that belongs
// to the next NAL.
func trimZeros(nal []byte) []byte {
	for len(nal) > 0 && nal[len(nal)-1] == 0 {
		nal = nal[:len(nal)-1]
	}
	return nal
}

// NALType returns the nal_unit_type of a NAL unit without start code.
func NALType(nal []byte) int {
	if len(nal) == 0 {
		return -1
	}
	return int(nal[0] & 0x1F)
}

// ContainsIDR reports whether an Annex-B access unit carries an IDR slice.
func ContainsIDR(au []byte) bool {
	for _, nal := range SplitAnnexB(au) {
		if NALType(nal) == NALIDR {
			return true
		}
	}
	return false
}
