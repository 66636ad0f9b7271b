package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// streamMode selects the NDJSON line shape the engine emits.
type streamMode int

const (
	streamModeChat streamMode = iota
	streamModeGenerate
)

// streamState is the per-request streaming context: aggregate counters,
// timing marks, and the finished flag. Counters only ever move up.
type streamState struct {
	mode        streamMode
	clientModel string

	start      time.Time
	firstToken time.Time

	promptTokens     int
	completionTokens int
	doneReason       string
	finished         bool
}

// StreamEngine converts LM Studio SSE frames into Ollama NDJSON lines.
// One engine is shared by all requests; per-request state lives in the
// streamState each Run call creates.
type StreamEngine struct {
	MaxBufferSize int
	ChunkRecovery bool
	Logger        *LogMonitor
}

// Run consumes the upstream SSE body and writes NDJSON lines to w,
// flushing after every line. It always emits exactly one terminal line
// with done:true unless the client has gone away.
func (e *StreamEngine) Run(ctx context.Context, upstream *http.Response, w io.Writer, flush func(), mode streamMode, clientModel string) error {
	defer upstream.Body.Close()

	state := &streamState{
		mode:        mode,
		clientModel: clientModel,
		start:       time.Now(),
	}

	buf := make([]byte, 0, 4096)
	readChunk := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return newError(ErrCancelled, "client disconnected", err)
		}

		n, readErr := upstream.Body.Read(readChunk)
		if n > 0 {
			buf = append(buf, readChunk[:n]...)

			var err error
			buf, err = e.drainFrames(buf, state, w, flush)
			if err != nil {
				return e.failStream(state, w, flush, err)
			}

			if len(buf) > e.MaxBufferSize {
				var err error
				buf, err = e.recoverOverflow(buf, state, w, flush)
				if err != nil {
					return e.failStream(state, w, flush, err)
				}
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return newError(ErrCancelled, "client disconnected", ctx.Err())
			}
			return e.failStream(state, w, flush,
				newError(ErrUpstreamUnavailable, "upstream read failed", readErr))
		}
	}

	if !state.finished {
		// upstream went away without a terminal frame; close the
		// stream cleanly with whatever counts were gathered
		state.doneReason = "error"
		return emitTerminal(state, w, flush)
	}
	return nil
}

// failStream surfaces a mid-stream error as a terminal NDJSON line so
// the client sees a cleanly-closed stream rather than a truncated one.
func (e *StreamEngine) failStream(state *streamState, w io.Writer, flush func(), cause error) error {
	pe := asProxyError(cause)
	if pe.Kind == ErrCancelled {
		return pe
	}
	e.Logger.Errorf("stream failed: %v", cause)
	if !state.finished {
		state.doneReason = "error"
		_ = emitTerminal(state, w, flush)
	}
	return pe
}

// drainFrames extracts every complete SSE frame from buf, transforms it,
// and writes the resulting NDJSON lines. It returns the unconsumed tail.
func (e *StreamEngine) drainFrames(buf []byte, state *streamState, w io.Writer, flush func()) ([]byte, error) {
	for {
		frame, rest, ok := nextFrame(buf)
		if !ok {
			return buf, nil
		}
		buf = rest

		data := frameData(frame)
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			if !state.finished {
				state.doneReason = doneReasonFromUpstream("")
				if err := emitTerminal(state, w, flush); err != nil {
					return buf, err
				}
			}
			continue
		}

		if err := e.handlePayload(data, state, w, flush); err != nil {
			return buf, err
		}
	}
}

// nextFrame splits one SSE frame (terminated by a blank line) off the
// front of buf.
func nextFrame(buf []byte) (frame, rest []byte, ok bool) {
	for _, sep := range [][]byte{[]byte("\n\n"), []byte("\r\n\r\n")} {
		if idx := bytes.Index(buf, sep); idx != -1 {
			return buf[:idx], buf[idx+len(sep):], true
		}
	}
	return nil, buf, false
}

// frameData concatenates the data: lines of one SSE frame, ignoring
// event:, id: and comment lines. LM Studio's native dialect types its
// frames with event: names; the payload layout is all that matters here.
func frameData(frame []byte) []byte {
	var data []byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		chunk := bytes.TrimPrefix(line, []byte("data:"))
		chunk = bytes.TrimPrefix(chunk, []byte(" "))
		if len(data) > 0 {
			data = append(data, '\n')
		}
		data = append(data, chunk...)
	}
	return bytes.TrimSpace(data)
}

// handlePayload transforms one upstream JSON payload into at most one
// NDJSON line. It tolerates both the OpenAI chunked-completion layout
// and LM Studio's native event payloads by probing with gjson rather
// than binding a fixed struct.
func (e *StreamEngine) handlePayload(data []byte, state *streamState, w io.Writer, flush func()) error {
	if !gjson.ValidBytes(data) {
		return newError(ErrUpstreamProtocolError, "unparseable stream payload", nil)
	}
	if state.finished {
		// ordering guarantee: nothing follows the done line
		return nil
	}

	root := gjson.ParseBytes(data)

	if usage := root.Get("usage"); usage.Exists() {
		if v := int(usage.Get("prompt_tokens").Int()); v > state.promptTokens {
			state.promptTokens = v
		}
		if v := int(usage.Get("completion_tokens").Int()); v > state.completionTokens {
			state.completionTokens = v
		}
	}

	delta := extractDelta(root, state.mode)
	finish := extractFinishReason(root)

	if delta != "" {
		if state.firstToken.IsZero() {
			state.firstToken = time.Now()
		}
		if !root.Get("usage.completion_tokens").Exists() {
			state.completionTokens++
		}
		if err := emitDelta(state, delta, w, flush); err != nil {
			return err
		}
	}

	if finish != "" {
		state.doneReason = doneReasonFromUpstream(finish)
		return emitTerminal(state, w, flush)
	}
	return nil
}

// extractDelta pulls the content increment out of whichever frame layout
// the upstream spoke.
func extractDelta(root gjson.Result, mode streamMode) string {
	paths := []string{
		"choices.0.delta.content", // OpenAI chat chunk
		"choices.0.text",          // OpenAI completion chunk
		"delta.content",           // native chat delta
		"fragment",                // native prediction fragment
	}
	if mode == streamModeGenerate {
		paths = []string{"choices.0.text", "choices.0.delta.content", "delta.content", "fragment"}
	}
	for _, p := range paths {
		if v := root.Get(p); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func extractFinishReason(root gjson.Result) string {
	for _, p := range []string{"choices.0.finish_reason", "finish_reason", "stop_reason"} {
		if v := root.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func emitDelta(state *streamState, delta string, w io.Writer, flush func()) error {
	var line any
	created := time.Now().UTC().Format(time.RFC3339Nano)
	if state.mode == streamModeChat {
		line = ChatResponse{
			Model:     state.clientModel,
			CreatedAt: created,
			Message:   OllamaMessage{Role: "assistant", Content: delta},
			Done:      false,
		}
	} else {
		line = GenerateResponse{
			Model:     state.clientModel,
			CreatedAt: created,
			Response:  delta,
			Done:      false,
		}
	}
	return writeLine(line, w, flush)
}

func emitTerminal(state *streamState, w io.Writer, flush func()) error {
	state.finished = true

	timings := requestTimings{Start: state.start, FirstToken: state.firstToken}
	total, load, promptEval, eval := timings.fields()

	var line any
	created := time.Now().UTC().Format(time.RFC3339Nano)
	if state.mode == streamModeChat {
		line = ChatResponse{
			Model:              state.clientModel,
			CreatedAt:          created,
			Message:            OllamaMessage{Role: "assistant", Content: ""},
			Done:               true,
			DoneReason:         state.doneReason,
			TotalDuration:      total,
			LoadDuration:       load,
			PromptEvalCount:    state.promptTokens,
			PromptEvalDuration: promptEval,
			EvalCount:          state.completionTokens,
			EvalDuration:       eval,
		}
	} else {
		line = GenerateResponse{
			Model:              state.clientModel,
			CreatedAt:          created,
			Response:           "",
			Done:               true,
			DoneReason:         state.doneReason,
			TotalDuration:      total,
			LoadDuration:       load,
			PromptEvalCount:    state.promptTokens,
			PromptEvalDuration: promptEval,
			EvalCount:          state.completionTokens,
			EvalDuration:       eval,
		}
	}
	return writeLine(line, w, flush)
}

func writeLine(line any, w io.Writer, flush func()) error {
	data, err := json.Marshal(line)
	if err != nil {
		return newError(ErrUpstreamProtocolError, "could not encode stream line", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return newError(ErrCancelled, "client disconnected", err)
	}
	if flush != nil {
		flush()
	}
	return nil
}

// recoverOverflow handles a reassembly buffer that filled up without a
// frame terminator. With recovery off the stream fails; with it on, the
// engine salvages the last complete JSON object after a data: marker and
// keeps only the unparsed tail.
func (e *StreamEngine) recoverOverflow(buf []byte, state *streamState, w io.Writer, flush func()) ([]byte, error) {
	if !e.ChunkRecovery {
		return nil, newError(ErrUpstreamProtocolError, "stream buffer overflow", nil)
	}

	marker := []byte("data:")
	searchEnd := len(buf)
	for {
		idx := bytes.LastIndex(buf[:searchEnd], marker)
		if idx == -1 {
			return nil, newError(ErrUpstreamProtocolError, "stream buffer overflow with nothing recoverable", nil)
		}

		payload := buf[idx+len(marker):]
		payload = bytes.TrimLeft(payload, " ")
		objStart := bytes.IndexByte(payload, '{')
		if objStart != -1 {
			if end, ok := scanJSONObject(payload[objStart:]); ok {
				object := payload[objStart : objStart+end]
				e.Logger.Warnf("stream buffer overflow, recovered %d byte frame", len(object))
				if err := e.handlePayload(object, state, w, flush); err != nil {
					return nil, err
				}
				tail := payload[objStart+end:]
				return append(buf[:0], tail...), nil
			}
		}
		searchEnd = idx
	}
}

// scanJSONObject reports the end offset of the JSON object starting at
// b[0] == '{', honoring strings and escapes. ok is false when the object
// never closes within b.
func scanJSONObject(b []byte) (end int, ok bool) {
	depth := 0
	inString := false
	escaped := false
	for i, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
