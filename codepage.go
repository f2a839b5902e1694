package fatfs

// CP437 is the IBM PC OEM codepage, the universal default for FAT short
// names. Bytes 0x20-0x7E map directly to ASCII; only the high half (0x80-0xFF)
// needs a table, and this engine only needs enough of it to round-trip
// common accented Latin letters used in short names produced by Windows.
type CP437 struct{}

var cp437High = [128]rune{
	'Ç', 'ü', 'é', 'â', 'ä', 'à', 'å', 'ç', 'ê', 'ë', 'è', 'ï', 'î', 'ì', 'Ä', 'Å',
	'É', 'æ', 'Æ', 'ô', 'ö', 'ò', 'û', 'ù', 'ÿ', 'Ö', 'Ü', '¢', '£', '¥', '₧', 'ƒ',
	'á', 'í', 'ó', 'ú', 'ñ', 'Ñ', 'ª', 'º', '¿', '⌐', '¬', '½', '¼', '¡', '«', '»',
	'░', '▒', '▓', '│', '┤', '╡', '╢', '╖', '╕', '╣', '║', '╗', '╝', '╜', '╛', '┐',
	'└', '┴', '┬', '├', '─', '┼', '╞', '╟', '╚', '╔', '╩', '╦', '╠', '═', '╬', '╧',
	'╨', '╤', '╥', '╙', '╘', '╒', '╓', '╫', '╪', '┘', '┌', '█', '▄', '▌', '▐', '▀',
	'α', 'ß', 'Γ', 'π', 'Σ', 'σ', 'µ', 'τ', 'Φ', 'Θ', 'Ω', 'δ', '∞', 'φ', 'ε', '∩',
	'≡', '±', '≥', '≤', '⌠', '⌡', '÷', '≈', '°', '∙', '·', '√', 'ⁿ', '²', '■', ' ',
}

// Decode implements Codepage.
func (CP437) Decode(b byte) rune {
	if b < 0x80 {
		return rune(b)
	}
	return cp437High[b-0x80]
}

// Encode implements Codepage.
func (CP437) Encode(r rune) (byte, bool) {
	if r < 0x80 {
		return byte(r), true
	}
	for i, c := range cp437High {
		if c == r {
			return byte(0x80 + i), true
		}
	}
	return '_', false
}
