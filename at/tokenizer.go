package at

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
)

// Splitter is a bufio.SplitFunc for modem output. Tokens are CRLF
// terminated lines, except the SMS input prompt "> " which has no line
// ending. It expects echo to be off. At EOF the remaining bytes form the
// last token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

var urcPrefixes = []string{
	UrcNewMsg,
	UrcMessageReport,
	UrcUSSD,
	UrcVendorRSSI,
	UrcVendorMode,
	UrcVendorBoot,
	UrcVendorFlow,
	UrcVendorSrvst,
	UrcVendorSimst,
	UrcVendorStatus,
}

// Classify identifies the nature of the modem output
func Classify(line string) ResponseType {
	if line == Prompt {
		return TypePrompt
	}

	// Direct matches for final results
	switch line {
	case OK, ERROR, NoCarrier, NoDialtone, Busy, NoAnswer:
		return TypeFinal
	case UrcCall:
		return TypeURC
	}

	// Prefix matches
	if strings.HasPrefix(line, CmeError) || strings.HasPrefix(line, CmsError) {
		return TypeFinal
	}
	for _, prefix := range urcPrefixes {
		if strings.HasPrefix(line, prefix) {
			return TypeURC
		}
	}
	return TypeData
}

// quotedTail matches the end of a complete quoted USSD payload: the closing
// quote, optionally followed by the data coding scheme.
var quotedTail = regexp.MustCompile(`"\s*(,\s*\d+)?\s*$`)

// Unterminated reports whether line opens a quoted string it does not
// close. Some modems break long USSD answers over several CRLF lines; the
// caller keeps appending lines until this returns false. Quotes inside the
// payload do not matter, only how the line ends.
func Unterminated(line string) bool {
	i := strings.IndexByte(line, '"')
	if i < 0 {
		return false
	}
	return !quotedTail.MatchString(line[i+1:])
}
