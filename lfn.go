package fatfs

import (
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ucs2 is the little-endian UTF-16 codec VFAT long names are stored in.
// Long names are pure UCS-2 in practice (no astral-plane code points), but
// using the standard UTF-16 transcoder handles the degenerate surrogate
// case the same way Windows does: it still round-trips through a
// replacement rather than corrupting adjacent fragments.
var ucs2 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// lfnChecksum computes the VFAT checksum of an 11-byte short name, stored
// in every LFN fragment of the sequence that shadows it.
func lfnChecksum(shortName [11]byte) byte {
	var sum byte
	for _, c := range shortName {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// lfnFragmentRunes extracts the up-to-13 UTF-16 code units a single LFN
// fragment carries (5 + 6 + 2), stopping at the first NUL terminator if the
// name is shorter than 13 units, per the VFAT convention that unused slots
// after the terminator are padded with 0xFFFF.
func lfnFragmentRunes(e rawLFNEntry) []uint16 {
	units := make([]uint16, 0, 13)
	units = append(units, e.Name1[:]...)
	units = append(units, e.Name2[:]...)
	units = append(units, e.Name3[:]...)
	for i, u := range units {
		if u == 0 {
			return units[:i]
		}
	}
	return units
}

// decodeUCS2 converts little-endian UTF-16 code units to a Go string via
// golang.org/x/text's UTF-16 transcoder.
func decodeUCS2(units []uint16) string {
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(raw[i*2:], u)
	}
	out, _, err := transform.Bytes(ucs2.NewDecoder(), raw)
	if err != nil {
		return string(out)
	}
	return string(out)
}

// encodeUCS2 converts s to little-endian UTF-16 code units via
// golang.org/x/text's UTF-16 transcoder, NUL-terminates it, and pads to a
// multiple of 13 units with 0xFFFF so it splits evenly into LFN fragments
// (VFAT convention: the fragment containing the terminator pads the rest of
// that fragment and every subsequent one with 0xFFFF).
func encodeUCS2(s string) []uint16 {
	raw, _, err := transform.Bytes(ucs2.NewEncoder(), []byte(s))
	if err != nil {
		raw = nil
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	units = append(units, 0)

	for len(units)%13 != 0 {
		units = append(units, 0xFFFF)
	}
	return units
}

// buildLFNSequence splits longName into the fragments needed to store it,
// returned in on-disk write order: highest ordinal first (the fragment
// written furthest from the short entry), descending to ordinal 1
// (immediately preceding the short entry). Every fragment carries the given
// short-name checksum.
func buildLFNSequence(longName string, checksum byte) []rawLFNEntry {
	units := encodeUCS2(longName)
	n := len(units) / 13
	if n == 0 {
		n = 1
	}

	entries := make([]rawLFNEntry, n)
	for i := 0; i < n; i++ {
		chunk := units[i*13 : i*13+13]
		ordinal := byte(i + 1)
		if i == n-1 {
			ordinal |= lfnOrdinalLast
		}
		e := rawLFNEntry{
			Ordinal:  ordinal,
			Attr:     AttrLongName,
			Checksum: checksum,
		}
		copy(e.Name1[:], chunk[0:5])
		copy(e.Name2[:], chunk[5:11])
		copy(e.Name3[:], chunk[11:13])
		// On-disk order is ordinal-descending: entries[0] is the highest
		// ordinal (i == n-1), entries[n-1] is ordinal 1 (i == 0).
		entries[n-1-i] = e
	}
	return entries
}

// reconstructLFN validates an ordinal-descending sequence of fragments
// (already in on-disk order: highest ordinal first) against the short
// entry's checksum and concatenates their text: the ordinal sequence must
// start at (N | 0x40), descend monotonically, the checksum must match the
// short name, and the fragments' UCS-2 data concatenates to the long name.
// On any validation failure it returns ("", false) so the caller falls
// back to the short name alone.
func reconstructLFN(fragments []rawLFNEntry, shortChecksum byte) (string, bool) {
	if len(fragments) == 0 || len(fragments) > 20 {
		return "", false
	}
	n := len(fragments)
	first := fragments[0]
	if first.Ordinal&lfnOrdinalLast == 0 {
		return "", false
	}
	if int(first.Ordinal&^lfnOrdinalLast) != n {
		return "", false
	}

	expectOrdinal := byte(n)
	for i, f := range fragments {
		wantOrdinal := expectOrdinal
		if i == 0 {
			wantOrdinal |= lfnOrdinalLast
		}
		if f.Ordinal != wantOrdinal {
			return "", false
		}
		if f.Checksum != shortChecksum {
			return "", false
		}
		expectOrdinal--
	}

	// fragments is in on-disk, ordinal-descending order; the long name reads
	// in ordinal-ascending order, so walk it back to front.
	var allUnits []uint16
	for i := n - 1; i >= 0; i-- {
		allUnits = append(allUnits, lfnFragmentRunes(fragments[i])...)
	}

	return decodeUCS2(allUnits), true
}
