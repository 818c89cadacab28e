// Package ingest reads heterogeneous edge-CDN log formats into the
// normalized record shape. Parsers are lazy, forward-only iterators;
// provider adapters supply the field maps and are looked up through a
// process-wide registry.
package ingest

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
)

// gzip magic bytes, checked even when the filename has no .gz suffix.
var gzipMagic = [2]byte{0x1f, 0x8b}

// openAuto opens a file and transparently inflates gzip, detected by
// either the .gz suffix or the magic bytes.
func openAuto(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	gzipped := strings.HasSuffix(path, ".gz") ||
		(err == nil && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1])

	if !gzipped {
		return &readCloser{Reader: br, closer: f}, nil
	}

	zr, err := gzip.NewReader(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip open %s: %w", path, err)
	}
	return &readCloser{Reader: zr, closer: multiCloser{zr, f}}, nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (rc *readCloser) Close() error { return rc.closer.Close() }

type multiCloser struct {
	inner io.Closer
	outer io.Closer
}

func (mc multiCloser) Close() error {
	ierr := mc.inner.Close()
	oerr := mc.outer.Close()
	if ierr != nil {
		return ierr
	}
	return oerr
}
