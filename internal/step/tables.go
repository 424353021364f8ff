// tables.go assembles the flat tensors one step of the forward pass needs
// from a batch of requests: token ids, position ids, prefix-sum offsets,
// and the KV-cache pointer table. The exact kv_list layout (per-layer K
// pointers for the whole batch, then per-layer V pointers) and the
// int32/uint64 dual input-offset tables are carried over unchanged from
// the system this package's forward-pass wiring was modeled on.
package step

import (
	"github.com/continuum-infer/batchd/internal/request"
)

// Tables holds everything BuildTables computes for one rank's forward pass
// over one batch.
type Tables struct {
	InputIDs []int32

	// InputOffsetInt32/InputOffsetUint64 are the same prefix-sum sequence
	// (length len(requests)+1, starting at 0) in the two widths the
	// forward pass needs simultaneously: int32 for kernel launch
	// parameters, uint64 for addressing buffers larger than 2^31 tokens.
	InputOffsetInt32  []int32
	InputOffsetUint64 []uint64

	RotaryEmbeddingPos []int64

	// KVCacheOffsetList is the prefix sum of blocks-per-request, letting
	// the forward pass carve contiguous per-request slices out of KVList.
	KVCacheOffsetList []int32

	// KVList is indexed [layer][pointer]; for each layer, the first
	// TotalBlockNum entries are every block's K region (in batch order),
	// followed by TotalBlockNum entries for every block's V region.
	KVList        [][][]byte
	TotalBlockNum int
}

// tokensThisStep is how many tokens a request contributes to the input
// tensor for this step: its full (unprocessed) prompt during CONTEXT, or
// exactly the most recent token during DECODE.
func tokensThisStep(req *request.InferRequest) []int32 {
	if req.Stage == request.Context {
		return req.InputTokens
	}
	if len(req.OutputTokens) == 0 {
		return nil
	}
	return req.OutputTokens[len(req.OutputTokens)-1:]
}

func positionsThisStep(req *request.InferRequest) []int64 {
	if req.Stage == request.Context {
		pos := make([]int64, len(req.InputTokens))
		for i := range pos {
			pos[i] = int64(i)
		}
		return pos
	}
	return []int64{int64(req.TotalTokens() - 1)}
}

// BuildTables assembles the per-rank input tensors for running, given the
// block addresses (from block.Manager.GetBlockPtrs) for every request's KV
// blocks on this rank, in the same request order as running.
func BuildTables(running []*request.InferRequest, blockAddrsByReq [][][]byte, numLayer, blockSize int) Tables {
	var t Tables

	offInt32 := []int32{0}
	offUint64 := []uint64{0}
	kvOffsets := []int32{0}

	var totalBlocks int32
	for i, req := range running {
		toks := tokensThisStep(req)
		t.InputIDs = append(t.InputIDs, toks...)
		t.RotaryEmbeddingPos = append(t.RotaryEmbeddingPos, positionsThisStep(req)...)

		offInt32 = append(offInt32, offInt32[len(offInt32)-1]+int32(len(toks)))
		offUint64 = append(offUint64, offUint64[len(offUint64)-1]+uint64(len(toks)))

		totalBlocks += int32(len(blockAddrsByReq[i]))
		kvOffsets = append(kvOffsets, totalBlocks)
	}

	t.InputOffsetInt32 = offInt32
	t.InputOffsetUint64 = offUint64
	t.KVCacheOffsetList = kvOffsets
	t.TotalBlockNum = int(totalBlocks)

	var allBlocks [][]byte
	for _, blocks := range blockAddrsByReq {
		allBlocks = append(allBlocks, blocks...)
	}
	t.KVList = buildKVList(allBlocks, numLayer, blockSize)

	return t
}

// buildKVList reproduces the pointer-table layout: per layer, K regions
// for every block in batch order, then V regions for every block in batch
// order. Each block's bytes are divided into numLayer equal per-layer
// regions, and each per-layer region is split in half between K and V.
func buildKVList(blocks [][]byte, numLayer, blockSize int) [][][]byte {
	if numLayer <= 0 {
		return nil
	}
	perLayer := blockSize / numLayer
	half := perLayer / 2

	kvList := make([][][]byte, numLayer)
	for l := 0; l < numLayer; l++ {
		row := make([][]byte, 0, len(blocks)*2)
		kOff := l * perLayer
		for _, addr := range blocks {
			row = append(row, addr[kOff:kOff+half])
		}
		vOff := kOff + half
		for _, addr := range blocks {
			row = append(row, addr[vOff:vOff+half])
		}
		kvList[l] = row
	}
	return kvList
}
