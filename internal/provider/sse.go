package provider

import "bytes"

// splitSSELines splits a raw SSE byte buffer into individual lines. Shared by
// the usage extractors; the Stream Pipeline's own tee uses a bufio.Scanner
// for the hot-path copy, this is only for the buffered extraction side.
func splitSSELines(body []byte) [][]byte {
	return bytes.Split(body, []byte("\n"))
}

// sseData returns the payload of a "data: ..." line, or "" if the line isn't
// a data frame or is the terminator "[DONE]".
func sseData(line []byte) string {
	line = bytes.TrimRight(line, "\r")
	const prefix = "data:"
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return ""
	}
	data := bytes.TrimSpace(line[len(prefix):])
	if string(data) == "[DONE]" {
		return ""
	}
	return string(data)
}
