// Package pool
// Author: momentics <momentics@gmail.com>
//
// Recycled fixed-size frame buffers for the realtime path. A FramePool is
// filled once at construction; Get and Put never allocate, so the realtime
// callback can take a buffer every packetization interval without touching
// the garbage collector.
package pool
