// Agent RDP - drive a Windows host over RDP on behalf of automation clients
// Copyright (C) 2025 - Agent RDP contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package daemon

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/agent-rdp/agent-rdp/pkg/bitmap"
)

// FrameBuffer holds the desktop raster. One writer (the graphics pump)
// applies decoded updates in place; readers take consistent snapshots.
type FrameBuffer struct {
	mu     sync.RWMutex
	width  int
	height int
	pixels []byte // RGBA, top-down

	frames atomic.Uint64
}

// NewFrameBuffer allocates a black desktop of the given size.
func NewFrameBuffer(width, height int) *FrameBuffer {
	fb := &FrameBuffer{
		width:  width,
		height: height,
		pixels: make([]byte, width*height*4),
	}
	// Opaque alpha so encoders see a solid image before the first update
	for i := 3; i < len(fb.pixels); i += 4 {
		fb.pixels[i] = 0xFF
	}
	return fb
}

// Size returns the desktop dimensions.
func (fb *FrameBuffer) Size() (int, int) {
	return fb.width, fb.height
}

// Frames returns the number of updates applied.
func (fb *FrameBuffer) Frames() uint64 {
	return fb.frames.Load()
}

// Apply copies one decoded rectangle into the buffer. Pixels outside the
// desktop bounds are clipped.
func (fb *FrameBuffer) Apply(rect *bitmap.Rect) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for y := 0; y < rect.Height; y++ {
		dy := rect.Top + y
		if dy < 0 || dy >= fb.height {
			continue
		}
		for x := 0; x < rect.Width; x++ {
			dx := rect.Left + x
			if dx < 0 || dx >= fb.width {
				continue
			}
			src := (y*rect.Width + x) * 4
			dst := (dy*fb.width + dx) * 4
			copy(fb.pixels[dst:dst+4], rect.Pixels[src:src+4])
		}
	}
	fb.frames.Add(1)
}

// Snapshot returns a copy of the raster as an image. The copy is taken
// under the read lock, so the returned pixels are one consistent frame.
func (fb *FrameBuffer) Snapshot() *image.RGBA {
	fb.mu.RLock()
	defer fb.mu.RUnlock()

	img := image.NewRGBA(image.Rect(0, 0, fb.width, fb.height))
	copy(img.Pix, fb.pixels)
	return img
}
