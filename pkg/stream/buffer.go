/*
 * Copyright 2025 Termdock Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package stream

// outputBuffer holds a stream's output chunks produced while it has no
// subscribers, in arrival order, dropping the oldest once full.
type outputBuffer struct {
	chunks  [][]byte
	cap     int
	dropped int
}

func newOutputBuffer(capacity int) *outputBuffer {
	return &outputBuffer{cap: capacity}
}

func (b *outputBuffer) append(chunk []byte) {
	// Copy: the runtime may reuse its scratch buffer.
	owned := make([]byte, len(chunk))
	copy(owned, chunk)

	if len(b.chunks) >= b.cap {
		b.chunks = b.chunks[1:]
		b.dropped++
	}

	b.chunks = append(b.chunks, owned)
}

// drain returns the held chunks in original order and empties the buffer.
func (b *outputBuffer) drain() [][]byte {
	chunks := b.chunks
	b.chunks = nil

	return chunks
}

func (b *outputBuffer) len() int { return len(b.chunks) }
