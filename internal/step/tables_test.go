package step

import (
	"testing"

	"github.com/continuum-infer/batchd/internal/request"
)

func makeBlocks(n, size int) [][]byte {
	blocks := make([][]byte, n)
	for i := range blocks {
		blocks[i] = make([]byte, size)
	}
	return blocks
}

func TestBuildTablesInputOffsetsAndPositions(t *testing.T) {
	r1 := request.New("1", "m", []int32{1, 2, 3}, request.SamplingConfig{}, 1)
	r2 := request.New("2", "m", []int32{9}, request.SamplingConfig{}, 1)
	r2.AppendToken(42) // moves r2 into DECODE

	blockAddrs := [][][]byte{makeBlocks(1, 64), makeBlocks(1, 64)}
	tab := BuildTables([]*request.InferRequest{r1, r2}, blockAddrs, 4, 64)

	if len(tab.InputIDs) != 4 {
		t.Fatalf("InputIDs len = %d, want 4 (3 context tokens + 1 decode token)", len(tab.InputIDs))
	}
	wantOffsets := []int32{0, 3, 4}
	for i, w := range wantOffsets {
		if tab.InputOffsetInt32[i] != w {
			t.Fatalf("InputOffsetInt32[%d] = %d, want %d", i, tab.InputOffsetInt32[i], w)
		}
		if tab.InputOffsetUint64[i] != uint64(w) {
			t.Fatalf("InputOffsetUint64[%d] = %d, want %d", i, tab.InputOffsetUint64[i], w)
		}
	}

	if tab.RotaryEmbeddingPos[0] != 0 || tab.RotaryEmbeddingPos[2] != 2 {
		t.Fatalf("context positions should be 0..len-1, got %v", tab.RotaryEmbeddingPos[:3])
	}
	if tab.RotaryEmbeddingPos[3] != int64(r2.TotalTokens()-1) {
		t.Fatalf("decode position should be TotalTokens-1, got %d", tab.RotaryEmbeddingPos[3])
	}
}

func TestBuildTablesKVListLayout(t *testing.T) {
	const numLayer = 2
	const blockSize = 16 // 8 bytes per layer, 4 bytes K + 4 bytes V

	r1 := request.New("1", "m", []int32{1}, request.SamplingConfig{}, 1)
	blocks := makeBlocks(2, blockSize)
	for i, b := range blocks {
		for j := range b {
			b[j] = byte(i*100 + j)
		}
	}

	tab := BuildTables([]*request.InferRequest{r1}, [][][]byte{blocks}, numLayer, blockSize)

	if tab.TotalBlockNum != 2 {
		t.Fatalf("TotalBlockNum = %d, want 2", tab.TotalBlockNum)
	}
	if len(tab.KVList) != numLayer {
		t.Fatalf("KVList has %d layers, want %d", len(tab.KVList), numLayer)
	}
	// Layer 0: entries 0,1 are K for blocks 0,1; entries 2,3 are V.
	row := tab.KVList[0]
	if len(row) != 4 {
		t.Fatalf("row len = %d, want 4 (2 blocks * 2 for K and V)", len(row))
	}
	if &row[0][0] != &blocks[0][0] {
		t.Fatalf("KVList[0][0] should alias block 0's K region")
	}
	if &row[2][0] != &blocks[0][4] {
		t.Fatalf("KVList[0][2] should alias block 0's V region (offset by half the per-layer region)")
	}
}
