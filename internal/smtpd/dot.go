package smtpd

import "bytes"

var (
	stuffedLineStart   = []byte("\r\n.")
	unstuffedLineStart = []byte("\r\n")
	stuffedDot         = []byte("\r\n..")
)

// Unstuff removes the transparency dot from every line of a data block that
// begins with one (RFC 5321 section 4.5.2).
func Unstuff(block []byte) []byte {
	if len(block) > 0 && block[0] == '.' {
		block = block[1:]
	}

	return bytes.ReplaceAll(block, stuffedLineStart, unstuffedLineStart)
}

// Stuff is the inverse of Unstuff: every line starting with a dot gets a
// second one.
func Stuff(body []byte) []byte {
	out := bytes.ReplaceAll(body, stuffedLineStart, stuffedDot)
	if len(out) > 0 && out[0] == '.' {
		out = append([]byte{'.'}, out...)
	}

	return out
}
