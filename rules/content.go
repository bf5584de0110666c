package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/cloudflare/ahocorasick"
	"github.com/h2non/filetype"
	"golang.org/x/exp/mmap"

	"stalehunt/classifier"
	"stalehunt/utils"
)

const (
	defaultContentMaxSize = 1 << 20
	mmapMinSize           = 128 * 1024
	sniffSize             = 261
	textSampleSize        = 4096
)

var openMmapReader = mmap.Open

var errContentChanged = errors.New("file changed while reading")

// contentRule matches keywords inside text-like files. Binary formats that
// filetype recognises are skipped without reading past the header.
type contentRule struct {
	base
	terms   []string
	matcher *ahocorasick.Matcher
	maxSize int64
}

func newContentRule(spec Spec, prober classifier.Prober) *contentRule {
	var terms []string
	for _, t := range nonEmpty(spec.Match) {
		terms = append(terms, strings.ToLower(t))
	}
	maxSize := spec.MaxSize
	if maxSize <= 0 {
		maxSize = defaultContentMaxSize
	}
	return &contentRule{
		base:    newBase(spec, prober),
		terms:   terms,
		matcher: ahocorasick.NewStringMatcher(terms),
		maxSize: maxSize,
	}
}

func (r *contentRule) Evaluate(ctx context.Context, rec classifier.FileRecord) (*classifier.Finding, error) {
	if rec.Size == 0 || rec.Size > r.maxSize {
		return nil, nil
	}
	content, err := readContent(rec.Path, rec.Size, r.maxSize)
	if err != nil {
		if classifier.IsChurn(err) {
			return nil, nil
		}
		return nil, err
	}
	if !searchable(content) {
		return nil, nil
	}

	hits := r.matcher.MatchThreadSafe(bytes.ToLower(content))
	if len(hits) == 0 {
		return nil, nil
	}
	seen := make(map[int]bool, len(hits))
	var matched []string
	for _, idx := range hits {
		if idx < 0 || idx >= len(r.terms) || seen[idx] {
			continue
		}
		seen[idx] = true
		matched = append(matched, r.terms[idx])
	}
	if len(matched) == 0 {
		return nil, nil
	}
	return r.finding(ctx, rec, "Keywords: "+strings.Join(matched, ", ")), nil
}

// readContent maps large files and reads small ones directly. Neither path
// moves the file's last-access time.
func readContent(path string, size, maxSize int64) ([]byte, error) {
	if size > maxSize {
		size = maxSize
	}
	if size >= mmapMinSize {
		if content, err := readContentMmap(path, size); err == nil {
			return content, nil
		}
	}
	f, err := utils.OpenQuiet(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxSize))
}

func readContentMmap(path string, size int64) ([]byte, error) {
	defer utils.PreserveAccessTime(path)()
	r, err := openMmapReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if int64(r.Len()) < size {
		size = int64(r.Len())
	}
	buf := make([]byte, size)
	if err := copyMapped(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// copyMapped turns a fault on the mapping, which is what a file truncated
// underneath us produces, into an error instead of a fatal signal.
func copyMapped(r *mmap.ReaderAt, buf []byte) (err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: mapped read faulted: %v", errContentChanged, p)
		}
	}()
	if _, err := r.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// searchable reports whether content looks like something a keyword
// search makes sense on.
func searchable(content []byte) bool {
	head := content
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	kind, err := filetype.Match(head)
	if err == nil && kind != filetype.Unknown {
		mime := kind.MIME.Value
		if !strings.HasPrefix(mime, "text/") &&
			!strings.Contains(mime, "xml") &&
			!strings.Contains(mime, "json") {
			return false
		}
	}
	sample := content
	if len(sample) > textSampleSize {
		sample = sample[:textSampleSize]
	}
	return looksLikeText(sample)
}

func looksLikeText(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	// a multi-byte rune may be cut at the sample edge
	for i := 0; i < utf8.UTFMax && len(sample) > 0 && !utf8.Valid(sample); i++ {
		sample = sample[:len(sample)-1]
	}
	if !utf8.Valid(sample) {
		return false
	}
	var control int
	for _, b := range sample {
		if b == 0 {
			return false
		}
		if b < 0x09 || (b > 0x0D && b < 0x20) {
			control++
		}
	}
	return control <= len(sample)/10
}
