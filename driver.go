package pickledec

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// resultCache memoizes whole pseudocode decompilations keyed by a content
// hash of the input bytes (a bounded prefix) plus the start offset and
// ContinuePastStop: a host like a disassembler plugin routinely
// re-decompiles the same embedded pickle blob across multiple analysis
// passes over the same binary. JSON-format runs are not cached: Decompile streams
// structurally through the host's JSONSink rather than building an
// intermediate buffer to replay, and replaying a generic JSONSink call
// sequence would need to buffer the whole structural walk anyway, which
// defeats the point of a cache meant to save that walk.
var resultCache, _ = lru.New[[32]byte, string](256)

// cachePrefixLen bounds how much of the input Decompile hashes for the
// cache key. Real embedded pickle streams are almost always well under
// this; a stream longer than it still decompiles correctly, it just risks
// a false cache hit against another stream sharing the same prefix, which
// is an acceptable tradeoff for a decompilation cache rather than a
// correctness-critical one.
const cachePrefixLen = 64 * 1024

// Decompile disassembles and interprets the pickle stream described by
// cfg, renders the result through cfg.Sink or cfg.JSON, and reports
// whether the run finished without a disassembly or interpreter failure
// (Result.OK), whether or not it reached a STOP. It never runs host code: REDUCE,
// NEWOBJ, BUILD, INST and OBJ only ever produce symbolic What chains (see
// doc.go), so Decompile is safe to point at a pickle stream whose
// constructors should never actually execute.
//
// A disassembly or interpreter failure does not discard the run: whatever
// was reconstructed before it is still rendered, flagged as truncated both
// in the Result and in the output itself, and the failure comes back as
// Result.Err (also returned as the error value).
func Decompile(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Disasm == nil {
		return nil, &ConfigError{Field: "Disasm"}
	}
	if cfg.Src == nil {
		return nil, &ConfigError{Field: "Src"}
	}
	switch cfg.Format {
	case FormatPseudocode:
		if cfg.Sink == nil {
			return nil, &ConfigError{Field: "Sink"}
		}
	case FormatJSON:
		if cfg.JSON == nil {
			return nil, &ConfigError{Field: "JSON"}
		}
	}

	log := cfg.Log
	if log == nil {
		log = StdLogger{}
	}

	if cfg.Format == FormatPseudocode {
		if key, ok := cacheKey(cfg); ok {
			if cached, ok := resultCache.Get(key); ok {
				log.Debugf("pickledec: cache hit at offset %d", cfg.Offset)
				if err := cfg.Sink.WriteString(cached); err != nil {
					return nil, err
				}
				return &Result{OK: true}, nil
			}
		}
	}

	var capture *capturingSink
	sink := cfg.Sink
	if cfg.Format == FormatPseudocode {
		capture = &capturingSink{inner: sink}
		sink = capture
	}

	res, root, vm, err := run(ctx, cfg, log)
	if err != nil {
		if vm != nil {
			vm.releaseAll()
		}
		return res, err
	}
	defer vm.releaseAll()

	if root != nil {
		if cfg.Format == FormatJSON {
			jr := newJSONRenderer(cfg.JSON, vm)
			if err := jr.Render(root, true); err != nil {
				return res, err
			}
		} else {
			r := newRenderer(sink, vm)
			if err := r.Render(root, true); err != nil {
				return res, err
			}
		}
	}

	if capture != nil && res.OK && !res.Truncated {
		if key, ok := cacheKey(cfg); ok {
			resultCache.Add(key, capture.buf.String())
		}
	}

	return res, res.Err
}

// run drives the disassemble/interpret loop until STOP (subject to
// ContinuePastStop), EOF, or an error, and reports the top-of-stack value
// (if any) for the caller to render. Disassembly and interpreter failures
// are soft: the run halts, the state accumulated so far
// is still handed back for best-effort rendering, and the failure is
// recorded in Result.Err with Result.OK false. Only context cancellation
// is a hard error; the *PMState is always returned, even then, so the
// caller can release whatever it accumulated.
func run(ctx context.Context, cfg Config, log Logger) (*Result, *PyObj, *PMState, error) {
	ip := newInterp(!cfg.ContinuePastStop, log)
	ip.start = cfg.Offset
	offset := cfg.Offset
	if cfg.Offset != 0 {
		log.Debugf("pickledec: starting at non-zero offset %d", cfg.Offset)
	}

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			return &Result{Err: err}, nil, ip.vm, err
		}

		insn, next, err := cfg.Disasm.Next(cfg.Src, offset)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// A stream that ends mid-instruction is a best-effort
				// case, not a failure of the run: render whatever was
				// reconstructed before the cut and flag it.
				log.Errorf("pickledec: truncated stream at offset %d: %s", offset, err)
				ip.vm.truncated = true
				break
			}
			log.Errorf("pickledec: disassembly failed at offset %d: %s", offset, err)
			ip.vm.truncated = true
			runErr = err
			break
		}

		if cfg.Verbose {
			log.Infof("pickledec: %s at offset %d", insn.Mnemonic, offset)
		}

		halt, err := ip.Step(insn, offset)
		if err != nil {
			log.Errorf("pickledec: %s", err)
			ip.vm.truncated = true
			runErr = err
			break
		}
		offset = next
		if halt {
			break
		}
	}

	if n := len(ip.vm.popstack); n > 0 {
		log.Debugf("pickledec: %d discarded object(s) retained on popstack", n)
	}

	res := &Result{
		OK:        runErr == nil,
		Truncated: ip.vm.truncated,
		Discarded: len(ip.vm.popstack),
		Err:       runErr,
	}
	top, err := ip.vm.top()
	if err != nil {
		// An empty final stack (a pickle of nothing but POPs, or a stream
		// that never reached a producing opcode) leaves nothing to render;
		// the Result still reports how the run ended.
		return res, nil, ip.vm, nil
	}
	return res, top, ip.vm, nil
}

// cacheKey hashes a bounded prefix of cfg.Src starting at cfg.Offset,
// folded together with Offset and ContinuePastStop. ok is false when Src
// can't produce even one byte at Offset (an empty or too-short stream),
// since there is nothing meaningful to key a cache entry on.
func cacheKey(cfg Config) ([32]byte, bool) {
	data, err := cfg.Src.ReadAt(int64(cfg.Offset), cachePrefixLen)
	if err != nil && len(data) == 0 {
		return [32]byte{}, false
	}
	h := sha256.New()
	h.Write(data)
	var lenBuf [8]byte
	putUvarint(lenBuf[:], uint64(cfg.Offset))
	h.Write(lenBuf[:])
	if cfg.ContinuePastStop {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, true
}

func putUvarint(buf []byte, v uint64) {
	for i := range buf {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

// capturingSink tees every written string to inner and to an internal
// buffer, so Decompile can both stream pseudocode to the host immediately
// and store the full text for resultCache in one pass.
type capturingSink struct {
	inner Sink
	buf   strings.Builder
}

func (c *capturingSink) WriteString(s string) error {
	c.buf.WriteString(s)
	return c.inner.WriteString(s)
}
