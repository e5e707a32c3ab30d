package splitfat

import "testing"

func TestFATCellFreeIsZero(t *testing.T) {
	c := FreeCell()
	if !c.IsFree() {
		t.Errorf("zero-valued FATCell should be free")
	}
	if c.IsStart() || c.IsEnd() {
		t.Errorf("free cell should not claim to be a chain endpoint")
	}
}

func TestFATCellChainLinkRoundTrip(t *testing.T) {
	indices := []ClusterIndex{0, 1, 17, 4000, LastValidClusterIndex}

	for _, next := range indices {
		for _, prev := range indices {
			var c FATCell
			c.SetPrev(prev)
			c.SetNext(next)

			if got := c.GetPrev(); got != prev {
				t.Fatalf("SetPrev(%d) then GetPrev() = %d", prev, got)
			}
			if got := c.GetNext(); got != next {
				t.Fatalf("SetNext(%d) then GetNext() = %d", next, got)
			}
			if c.IsStart() || c.IsEnd() {
				t.Fatalf("a mid-chain cell must not report as a chain endpoint")
			}
		}
	}
}

func TestFATCellStartEndFlags(t *testing.T) {
	var c FATCell
	c.MakeStartOfChain()
	if !c.IsStart() {
		t.Errorf("MakeStartOfChain should set IsStart")
	}
	c.MakeEndOfChain()
	if !c.IsEnd() {
		t.Errorf("MakeEndOfChain should set IsEnd")
	}
	if !c.IsStart() {
		t.Errorf("MakeEndOfChain should not clear IsStart")
	}
}

// TestFATCellCRCRoundTrip verifies that for every combination of
// chain-endpoint flags, cluster index, and CRC value, encoding
// then decoding reproduces the original value and does not disturb
// unrelated fields.
func TestFATCellCRCRoundTrip(t *testing.T) {
	crcs := []uint16{0x0000, 0x00FF, 0xFF00, 0xFFFF, 0x1234, 0xABCD}
	starts := []bool{false, true}
	ends := []bool{false, true}
	// A chain endpoint's link half only carries a 14-bit "short index"
	// (its top byte instead holds the FDR index or CRC-high bits), so
	// indices here must fit clusterShortIndexMask regardless of which
	// endpoint flags are under test.
	indices := []ClusterIndex{0, 1, 500, ClusterIndex(clusterShortIndexMask)}

	for _, start := range starts {
		for _, end := range ends {
			for _, idx := range indices {
				for _, crc := range crcs {
					var c FATCell
					c.SetPrev(idx)
					c.SetNext(idx)
					// SetPrev/SetNext clear the endpoint flags, so the flags
					// under test are set afterwards, directly on the halves.
					if start {
						c.prev |= startEndFlag
					}
					if end {
						c.next |= startEndFlag
					}

					c.EncodeCRC(crc)

					if got := c.DecodeCRC(); got != crc {
						t.Fatalf("start=%v end=%v idx=%d: DecodeCRC() = %#x, want %#x", start, end, idx, got, crc)
					}
					if !c.CRCInitialized() {
						t.Fatalf("EncodeCRC should set CRCInitialized")
					}
					if c.IsStart() != start || c.IsEnd() != end {
						t.Fatalf("EncodeCRC must not disturb chain-endpoint flags")
					}
					if c.GetPrev() != idx || c.GetNext() != idx {
						t.Fatalf("EncodeCRC must not disturb link fields: got prev=%d next=%d want %d", c.GetPrev(), c.GetNext(), idx)
					}
				}
			}
		}
	}
}

func TestFATCellFDRRoundTrip(t *testing.T) {
	for _, start := range []bool{false, true} {
		end := !start
		var c FATCell
		if start {
			c.MakeStartOfChain()
		} else {
			c.MakeEndOfChain()
		}
		_ = end

		c.EncodeFDR(ClusterIndex(4242), 7)
		gotCluster, gotRecord := c.DecodeFDR()
		if gotCluster != 4242 || gotRecord != 7 {
			t.Fatalf("start=%v: DecodeFDR() = (%d, %d), want (4242, 7)", start, gotCluster, gotRecord)
		}
	}
}

func TestFATCellFDRInvalidOnMidChainCell(t *testing.T) {
	var c FATCell
	cluster, record := c.DecodeFDR()
	if cluster != InvalidClusterIndex || record != uint32(InvalidClusterIndex) {
		t.Errorf("DecodeFDR on a mid-chain cell should report invalid, got (%d, %d)", cluster, record)
	}
}

func TestFATCellClusterInitialized(t *testing.T) {
	var c FATCell
	if !c.ClusterInitialized() {
		t.Errorf("a zero-valued cell has the not-initialized bit clear and must report initialized")
	}
	c.SetClusterInitialized(false)
	if c.ClusterInitialized() {
		t.Errorf("SetClusterInitialized(false) should clear the hint")
	}
	c.SetClusterInitialized(true)
	if !c.ClusterInitialized() {
		t.Errorf("SetClusterInitialized(true) should flip the hint")
	}
}

func TestFATCellBadAndInvalidAreDistinctFromFree(t *testing.T) {
	free := FreeCell()
	bad := BadCell()
	invalid := InvalidCell()

	if free.Equal(bad) || free.Equal(invalid) || bad.Equal(invalid) {
		t.Errorf("free, bad, and invalid cell values must be pairwise distinct")
	}
	if invalid.IsValid() {
		t.Errorf("InvalidCell() should report IsValid() == false")
	}
}

func TestFATCellSingleElementChain(t *testing.T) {
	c := SingleElementCell()
	if !c.IsStart() || !c.IsEnd() {
		t.Errorf("SingleElementCell should be both start and end of chain")
	}
}
