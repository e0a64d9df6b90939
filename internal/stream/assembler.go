// Package stream reconstructs answers from the backend's chunked ask
// responses. The backend transmits the generated answer as plain text,
// followed by an in-band sentinel token and a JSON citation payload, all in
// one byte stream; this package incrementally decodes that stream and emits
// display-ready snapshots as the answer grows.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"unicode/utf8"

	"docqa-web-ui/internal/models"
)

// Sentinel is the literal token the backend emits between the generated
// answer text and the trailing citation payload. It is a protocol assumption
// inherited from the backend that this token never occurs in answer text.
const Sentinel = "---__CITATIONS__---"

// Phase describes how far the assembly of one response has progressed.
// Transitions are monotonic: Streaming may advance to SentinelFound, and any
// phase may advance to Finalized or Failed, but never backwards.
type Phase int

// Assembly phases.
const (
	PhaseStreaming Phase = iota
	PhaseSentinelFound
	PhaseFinalized
	PhaseFailed
)

// Snapshot is one fully-replacing rendering state. Consumers must treat each
// emission as a replacement of all prior text, not a delta. Citations are
// only populated on the final snapshot.
type Snapshot struct {
	Text      string
	Citations []models.Citation
	Final     bool
}

// Assembler consumes the byte stream of a single ask response. It owns no
// I/O; the caller hands it a reader and receives snapshots back. One
// assembler serves exactly one response and cannot be restarted.
type Assembler struct {
	logger *slog.Logger

	buf       []byte // decoded answer text, including an unconfirmed sentinel fragment
	pend      []byte // trailing bytes of an incomplete UTF-8 sequence
	confirmed int    // prefix of buf known not to be part of a sentinel match
	payload   []byte // decoded text following the sentinel
	phase     Phase
}

// New creates an Assembler for a single response stream.
func New(logger *slog.Logger) *Assembler {
	return &Assembler{
		logger: logger.With(slog.String("module", "stream")),
	}
}

// Phase reports the current assembly phase.
func (a *Assembler) Phase() Phase {
	return a.phase
}

// Run reads the response body to completion and returns a lazy, finite
// sequence of snapshots. Text length grows monotonically across snapshots;
// the last snapshot has Final set and carries the parsed citations. When the
// transport fails mid-stream the sequence ends with a non-nil error after the
// last good snapshot; when ctx is cancelled the sequence simply stops.
func (a *Assembler) Run(ctx context.Context, body io.Reader) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		chunk := make([]byte, 4096)
		for {
			if ctx.Err() != nil {
				a.phase = PhaseFailed
				return
			}

			n, err := body.Read(chunk)
			if n > 0 {
				if a.feed(chunk[:n]) && a.phase == PhaseStreaming {
					if !yield(Snapshot{Text: string(a.buf[:a.confirmed])}, nil) {
						return
					}
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					a.phase = PhaseFailed
					return
				}
				a.phase = PhaseFailed
				yield(Snapshot{}, fmt.Errorf("error reading response: %w", err))
				return
			}
		}

		yield(a.finalize(), nil)
	}
}

// feed decodes one chunk and routes the text to either the answer buffer or
// the citation payload. It reports whether the confirmed answer text grew.
func (a *Assembler) feed(chunk []byte) bool {
	text := a.decode(chunk)
	if len(text) == 0 {
		return false
	}

	if a.phase == PhaseSentinelFound {
		a.payload = append(a.payload, text...)
		return false
	}

	// The sentinel may straddle chunk boundaries, so the search must re-cover
	// the tail of the previous append.
	searchFrom := len(a.buf) - len(Sentinel) + 1
	if searchFrom < 0 {
		searchFrom = 0
	}
	a.buf = append(a.buf, text...)

	if idx := bytes.Index(a.buf[searchFrom:], []byte(Sentinel)); idx >= 0 {
		idx += searchFrom
		a.payload = append(a.payload, a.buf[idx+len(Sentinel):]...)
		a.buf = a.buf[:idx]
		if a.confirmed > idx {
			a.confirmed = idx
		}
		a.phase = PhaseSentinelFound
		return false
	}

	// Withhold any buffer suffix that could still turn out to be the start of
	// the sentinel, so emitted text never has to shrink later.
	prev := a.confirmed
	a.confirmed = len(a.buf) - sentinelPrefixLen(a.buf)
	if a.confirmed < prev {
		a.confirmed = prev
	}
	return a.confirmed > prev
}

// finalize produces the authoritative last snapshot once the stream has been
// fully consumed.
func (a *Assembler) finalize() Snapshot {
	// A dangling partial UTF-8 sequence at end of stream decodes to a single
	// replacement character rather than being dropped.
	if len(a.pend) > 0 {
		if a.phase == PhaseSentinelFound {
			a.payload = utf8.AppendRune(a.payload, utf8.RuneError)
		} else {
			a.buf = utf8.AppendRune(a.buf, utf8.RuneError)
		}
		a.pend = nil
	}

	if a.phase != PhaseSentinelFound {
		a.phase = PhaseFinalized
		return Snapshot{Text: string(a.buf), Final: true}
	}

	text := string(bytes.TrimRight(a.buf, " \t\r\n"))
	citations := a.parseCitations()
	a.phase = PhaseFinalized
	return Snapshot{Text: text, Citations: citations, Final: true}
}

// parseCitations decodes the captured payload. A malformed payload degrades
// to an empty citation list; the answer itself remains valid.
func (a *Assembler) parseCitations() []models.Citation {
	payload := bytes.TrimSpace(a.payload)
	if len(payload) == 0 {
		a.logger.Warn("Empty citation payload after sentinel")
		return nil
	}

	var citations []models.Citation
	if err := json.Unmarshal(payload, &citations); err != nil {
		a.logger.Warn("Citation payload is not valid JSON",
			slog.String("payload", string(payload)),
			slog.String("err", err.Error()))
		return nil
	}
	return citations
}

// decode converts raw bytes to text, carrying incomplete multi-byte sequences
// over to the next chunk and substituting U+FFFD for invalid bytes.
func (a *Assembler) decode(chunk []byte) []byte {
	data := chunk
	if len(a.pend) > 0 {
		data = append(a.pend, chunk...)
		a.pend = nil
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			if mayCompleteRune(data[i:]) {
				a.pend = append([]byte(nil), data[i:]...)
				break
			}
			out = utf8.AppendRune(out, utf8.RuneError)
			i++
			continue
		}
		out = append(out, data[i:i+size]...)
		i += size
	}
	return out
}

// mayCompleteRune reports whether b is a truncated but so-far-valid UTF-8
// sequence that the next chunk could complete.
func mayCompleteRune(b []byte) bool {
	if len(b) == 0 || len(b) >= utf8.UTFMax {
		return false
	}

	var want int
	switch {
	case b[0] >= 0xF0 && b[0] <= 0xF4:
		want = 4
	case b[0] >= 0xE0 && b[0] <= 0xEF:
		want = 3
	case b[0] >= 0xC2 && b[0] <= 0xDF:
		want = 2
	default:
		return false
	}
	if len(b) >= want {
		return false
	}
	for _, c := range b[1:] {
		if c&0xC0 != 0x80 {
			return false
		}
	}
	return true
}

// sentinelPrefixLen returns the length of the longest proper prefix of the
// sentinel that buf ends with.
func sentinelPrefixLen(buf []byte) int {
	maxLen := len(Sentinel) - 1
	if maxLen > len(buf) {
		maxLen = len(buf)
	}
	for l := maxLen; l > 0; l-- {
		if bytes.HasSuffix(buf, []byte(Sentinel[:l])) {
			return l
		}
	}
	return 0
}
