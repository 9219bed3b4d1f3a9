// Package ingest implements MBOX and EML batch import (spec.md §4.8).
package ingest

import (
	"bufio"
	"io"
	"os"
	"regexp"

	"github.com/rustmailer/bichon/internal/bicherr"
)

// mboxMessage is one message sliced out of a registered MBOX file: Offset
// and Length describe its raw RFC822 bytes (the "From " separator line
// itself is excluded), ready to become a C6 locator doc.
type mboxMessage struct {
	Offset int64
	Length int64
	Body   []byte
}

// mboxFromLine matches the mboxo "From " envelope separator at the start
// of a line. This package assumes mboxo, not mboxrd: lines inside a
// message body that happen to start with "From " are not unescaped.
var mboxFromLine = regexp.MustCompile(`^From [^\r\n]*\r?\n$`)

// scanMbox streams a registered MBOX file and slices it into individual
// messages, tracking each one's byte offset and length for C6's locator
// form (spec.md §4.8 step 4).
func scanMbox(path string) ([]mboxMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.IoError, "failed to open mbox file", err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	var messages []mboxMessage
	var body []byte
	var contentStart, offset int64
	inMessage := false

	finalize := func() {
		if inMessage {
			messages = append(messages, mboxMessage{
				Offset: contentStart,
				Length: int64(len(body)),
				Body:   body,
			})
		}
	}

	for {
		line, readErr := reader.ReadString('\n')
		lineLen := int64(len(line))

		if mboxFromLine.MatchString(line) {
			finalize()
			inMessage = true
			body = nil
			contentStart = offset + lineLen
		} else if inMessage {
			body = append(body, line...)
		}

		offset += lineLen
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, bicherr.Wrap(bicherr.IoError, "failed to scan mbox file", readErr)
		}
	}
	finalize()

	return messages, nil
}
