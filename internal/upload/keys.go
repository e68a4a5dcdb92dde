package upload

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxFileNameLength = 120

// SanitizeFileName reduces a client supplied name to a safe object key
// segment: accents are folded to their base letters and anything outside
// [A-Za-z0-9._-] becomes a hyphen.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	name = path.Base(name)
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn))), name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	lastHyphen := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '_':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	cleaned := b.String()
	for strings.Contains(cleaned, "-.") {
		cleaned = strings.ReplaceAll(cleaned, "-.", ".")
	}
	cleaned = strings.Trim(cleaned, "-.")
	if len(cleaned) > maxFileNameLength {
		ext := path.Ext(cleaned)
		if len(ext) > 16 {
			ext = ""
		}
		cleaned = strings.TrimRight(cleaned[:maxFileNameLength-len(ext)], "-.") + ext
	}
	if cleaned == "" {
		return "file"
	}
	return cleaned
}

// ObjectKey builds <fileType>/<ownerID>/<id>-<name>. The random id keeps keys
// unique across repeated uploads of the same file.
func ObjectKey(fileType, ownerID, id, fileName string) string {
	return strings.Join([]string{
		SanitizeFileName(fileType),
		SanitizeFileName(ownerID),
		SanitizeFileName(id) + "-" + SanitizeFileName(fileName),
	}, "/")
}
