package transport

import (
	"bytes"
	"io"
)

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
