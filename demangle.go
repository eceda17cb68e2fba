// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

// isDMangled reports whether a symbol carries the D name mangling.
func isDMangled(name []byte) bool {
	return len(name) > 2 && name[0] == '_' && name[1] == 'D' &&
		name[2] >= '0' && name[2] <= '9'
}

// demangleDQualifiedName recovers the dotted qualified name of a D mangled
// symbol: the leading sequence of length-prefixed identifiers. Anything
// past the qualified name (the type signature) is dropped; a malformed
// mangling returns the input unchanged.
func demangleDQualifiedName(name []byte) string {
	if !isDMangled(name) {
		return string(name)
	}

	var parts [][]byte
	pos := 2
	for pos < len(name) && name[pos] >= '0' && name[pos] <= '9' {
		n := 0
		for pos < len(name) && name[pos] >= '0' && name[pos] <= '9' {
			n = n*10 + int(name[pos]-'0')
			pos++
		}
		if n == 0 || pos+n > len(name) {
			return string(name)
		}
		parts = append(parts, name[pos:pos+n])
		pos += n
	}
	if len(parts) == 0 {
		return string(name)
	}

	out := make([]byte, 0, len(name))
	for i, p := range parts {
		if i > 0 {
			out = append(out, '.')
		}
		out = append(out, p...)
	}
	return string(out)
}
