package imagestore

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// NameLength is the number of random characters in a generated name.
	NameLength = 32

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewName returns a random alphanumeric name with the given extension (".png" etc).
func NewName(ext string) (string, error) {
	if !knownExt(ext) {
		return "", fmt.Errorf("unknown image extension %q", ext)
	}
	buf := make([]byte, NameLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	// 256 % 62 != 0, so reject the tail of the byte range to keep the draw uniform.
	const limit = 256 - 256%len(alphabet)
	var b strings.Builder
	b.Grow(NameLength + len(ext))
	one := make([]byte, 1)
	for _, c := range buf {
		for int(c) >= limit {
			if _, err := rand.Read(one); err != nil {
				return "", err
			}
			c = one[0]
		}
		b.WriteByte(alphabet[int(c)%len(alphabet)])
	}
	b.WriteString(ext)
	return b.String(), nil
}

// ValidName reports whether name has the shape produced by NewName.
func ValidName(name string) bool {
	dot := strings.IndexByte(name, '.')
	if dot != NameLength {
		return false
	}
	for i := 0; i < dot; i++ {
		if strings.IndexByte(alphabet, name[i]) < 0 {
			return false
		}
	}
	return knownExt(name[dot:])
}

func knownExt(ext string) bool {
	switch ext {
	case ExtPNG, ExtJPEG, ExtGIF, ExtWEBP:
		return true
	}
	return false
}
