package fatfs

import (
	"fmt"
	"strconv"
	"strings"
)

// validShortNameChars are the bytes the 8.3 name/extension fields may
// contain verbatim: digits, upper-case letters, and the DOS-legal
// punctuation set. Grounded on go-diskfs/filesystem/fat32's
// validShortNameCharacters set (vendored in linuxkit-linuxkit).
const validShortNameChars = "!#$%&'()-0123456789@ABCDEFGHIJKLMNOPQRSTUVWXYZ^_`{}~"

func isValidShortNameByte(b byte) bool {
	return strings.IndexByte(validShortNameChars, b) >= 0
}

// sanitizeShortNameComponent upper-cases ASCII letters, drops spaces and
// periods, and replaces every other disallowed byte with '_', per the same
// policy go-diskfs's uCaseValid applies before packing a DOS name field.
func sanitizeShortNameComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r > 255:
			b.WriteByte('_')
		case isValidShortNameByte(byte(r)):
			b.WriteByte(byte(r))
		case r >= 'a' && r <= 'z':
			b.WriteByte(byte(r) - 32)
		case r == ' ' || r == '.':
			continue
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// splitBaseExt splits a long name into its base and extension at the last
// period, mirroring DOS 8.3 semantics: a leading-dot name (".bashrc") has no
// extension, the whole thing is the base.
func splitBaseExt(longName string) (base, ext string) {
	dot := strings.LastIndex(longName, ".")
	if dot <= 0 {
		return longName, ""
	}
	return longName[:dot], longName[dot+1:]
}

// packShortName encodes an already-sanitized, already-truncated 8-char base
// and 3-char extension into the fixed 11-byte short-entry Name[11] layout
// (space-padded).
func packShortName(base, ext string) [11]byte {
	var name [11]byte
	for i := range name {
		name[i] = ' '
	}
	copy(name[0:8], base)
	copy(name[8:11], ext)
	return name
}

// existingNameSet reports, via hasShortName, whether any entry already carries
// the given packed 11-byte name, used by synthesizeShortName to probe for
// collisions before committing to a numeric tail.
type existingNameSet interface {
	hasShortName(name [11]byte) bool
}

// synthesizeShortName derives an 8.3 short name for longName that does not
// collide with any entry in existing, with numeric tail collision
// disambiguation (~1, ~2, ... scanning existing entries). needsLFN reports
// whether the synthesized short name differs from longName in any way that
// requires a companion LFN sequence to preserve the original spelling.
func synthesizeShortName(longName string, existing existingNameSet) (name [11]byte, needsLFN bool, err error) {
	rawBase, rawExt := splitBaseExt(longName)
	base := sanitizeShortNameComponent(rawBase)
	ext := sanitizeShortNameComponent(rawExt)

	if len(ext) > 3 {
		ext = ext[:3]
		needsLFN = true
	}
	if rawExt != ext {
		needsLFN = true
	}
	if rawBase != base {
		needsLFN = true
	}
	if base == "" {
		base = "_"
	}

	if len(base) <= 8 {
		candidate := packShortName(base, ext)
		if !needsLFN && !existing.hasShortName(candidate) {
			return candidate, false, nil
		}
		if !existing.hasShortName(candidate) {
			return candidate, true, nil
		}
	} else {
		needsLFN = true
	}

	// Collision (or an over-length base): fall back to a numeric tail,
	// growing the digit count as the basis shrinks per the classic VFAT
	// rule (~1..~9 after 6 chars, ~10..~99 after 5, ...), scanning existing
	// entries for the first free suffix.
	truncated := base
	if len(truncated) > 8 {
		truncated = truncated[:8]
	}
	for n := 1; n <= 999999; n++ {
		tail := "~" + strconv.Itoa(n)
		keep := 8 - len(tail)
		if keep > len(truncated) {
			keep = len(truncated)
		}
		if keep < 0 {
			keep = 0
		}
		candidateBase := truncated[:keep] + tail
		candidate := packShortName(candidateBase, ext)
		if !existing.hasShortName(candidate) {
			return candidate, true, nil
		}
	}
	return name, false, fmt.Errorf("fatfs: exhausted numeric-tail collisions for %q", longName)
}
