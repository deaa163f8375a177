package server

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilename reduces an uploaded file name to ASCII letters, digits and
// "_.-" so it can be stored under the upload directory. Path separators become
// word breaks. The result may be empty.
func SecureFilename(name string) string {
	name = norm.NFKD.String(name)
	ascii := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] < 0x80 {
			ascii = append(ascii, name[i])
		}
	}
	name = strings.NewReplacer("/", " ", "\\", " ").Replace(string(ascii))
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}
