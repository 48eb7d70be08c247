// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// Writer writes framed command results to an output channel.
// It is safe for concurrent use; each frame is written with a single Write
// call so frames from different goroutines never interleave.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	buf bytes.Buffer
}

// NewWriter returns a Writer that frames results onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w}
}

// Ready writes the initialization-complete sentinel.
func (w *Writer) Ready() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset()
	w.buf.WriteString(SentinelOutput)
	w.buf.WriteByte('\n')
	return w.flush()
}

// WriteResult writes output, then errText, then the sentinel for succeeded.
// Empty text is skipped. Non-empty text that does not end in a newline gets
// one so the sentinel always starts its own line.
func (w *Writer) WriteResult(output, errText string, succeeded bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset()
	writeBlock(&w.buf, output)
	writeBlock(&w.buf, errText)
	w.buf.WriteString(Sentinel(succeeded))
	w.buf.WriteByte('\n')
	return w.flush()
}

// WriteText writes unframed text, such as diagnostics printed by the host
// outside of a relayed command.
func (w *Writer) WriteText(text string) error {
	if text == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset()
	writeBlock(&w.buf, text)
	return w.flush()
}

func (w *Writer) flush() error {
	_, err := w.out.Write(w.buf.Bytes())
	return err
}

func writeBlock(buf *bytes.Buffer, text string) {
	if text == "" {
		return
	}
	buf.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		buf.WriteByte('\n')
	}
}
