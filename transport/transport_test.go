package transport

import "testing"

func TestChunkBoundariesEmptyPayload(t *testing.T) {
	got := chunkBoundaries(0, bulkChunkSize)
	want := [][2]int{{0, 0}}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("chunkBoundaries(0, ...) = %v, want %v", got, want)
	}
}

func TestChunkBoundariesSingleChunk(t *testing.T) {
	got := chunkBoundaries(100, 1<<20)
	want := [][2]int{{0, 100}}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("chunkBoundaries(100, 1MiB) = %v, want %v", got, want)
	}
}

func TestChunkBoundariesExactMultiple(t *testing.T) {
	got := chunkBoundaries(2*bulkChunkSize, bulkChunkSize)
	want := [][2]int{{0, bulkChunkSize}, {bulkChunkSize, 2 * bulkChunkSize}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("chunkBoundaries(2*chunk, chunk) = %v, want %v", got, want)
	}
}

func TestChunkBoundariesOneByteOverChunk(t *testing.T) {
	got := chunkBoundaries(bulkChunkSize+1, bulkChunkSize)
	want := [][2]int{{0, bulkChunkSize}, {bulkChunkSize, bulkChunkSize + 1}}
	if len(got) != 2 {
		t.Fatalf("len(chunkBoundaries) = %d, want 2", len(got))
	}
	if got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("chunkBoundaries(chunk+1, chunk) = %v, want %v", got, want)
	}
}

func TestChunkBoundariesUnderChunk(t *testing.T) {
	got := chunkBoundaries(bulkChunkSize-1, bulkChunkSize)
	want := [][2]int{{0, bulkChunkSize - 1}}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("chunkBoundaries(chunk-1, chunk) = %v, want %v", got, want)
	}
}

func TestIsStallNilError(t *testing.T) {
	if isStall(nil) {
		t.Error("isStall(nil) = true, want false")
	}
}

func TestIsDeviceGoneNilError(t *testing.T) {
	if IsDeviceGone(nil) {
		t.Error("IsDeviceGone(nil) = true, want false")
	}
}
