package nanovllm

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Block is one page of KV cache.
type Block struct {
	BlockID  int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

func (b *Block) update(hash uint64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = slices.Clone(tokenIDs)
}

func (b *Block) reset() {
	b.RefCount = 1
	b.Hash = 0
	b.TokenIDs = nil
}

// BlockManager hands out KV cache blocks to sequences. Full blocks are keyed
// by a chained xxhash of their tokens so identical prompt prefixes share
// blocks (prefix caching). Freed blocks keep their hash until reused, so a
// later request with the same prefix can still hit them.
type BlockManager struct {
	blockSize     int
	blocks        []*Block
	hashToBlockID map[uint64]int
	free          []int
	used          map[int]struct{}
}

// NewBlockManager creates a manager over numBlocks blocks of blockSize tokens.
func NewBlockManager(numBlocks int, blockSize int) *BlockManager {
	bm := &BlockManager{
		blockSize:     blockSize,
		blocks:        make([]*Block, numBlocks),
		hashToBlockID: make(map[uint64]int),
		free:          make([]int, numBlocks),
		used:          make(map[int]struct{}),
	}
	for i := range numBlocks {
		bm.blocks[i] = &Block{BlockID: i}
		bm.free[i] = i
	}
	return bm
}

// NumBlocks returns the size of the block pool.
func (bm *BlockManager) NumBlocks() int {
	return len(bm.blocks)
}

// NumFreeBlocks returns how many blocks are not referenced by any sequence.
func (bm *BlockManager) NumFreeBlocks() int {
	return len(bm.free)
}

// ComputeHash hashes tokenIDs chained onto prefixHash (0 means no prefix).
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	buf := make([]byte, 0, 8+4*len(tokenIDs))
	if prefixHash != 0 {
		buf = binary.LittleEndian.AppendUint64(buf, prefixHash)
	}
	for _, id := range tokenIDs {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
	}
	return xxhash.Sum64(buf)
}

// take moves blockID from the free pool into use with a single reference.
func (bm *BlockManager) take(blockID int) *Block {
	block := bm.blocks[blockID]
	if block.RefCount != 0 {
		panic("block is already allocated")
	}
	if idx := slices.Index(bm.free, blockID); idx >= 0 {
		bm.free = slices.Delete(bm.free, idx, idx+1)
	}
	if block.Hash != 0 && bm.hashToBlockID[block.Hash] == blockID {
		delete(bm.hashToBlockID, block.Hash)
	}
	block.reset()
	bm.used[blockID] = struct{}{}
	return block
}

// release returns an unreferenced block to the free pool.
func (bm *BlockManager) release(blockID int) {
	if bm.blocks[blockID].RefCount != 0 {
		panic("block still has references")
	}
	delete(bm.used, blockID)
	bm.free = append(bm.free, blockID)
}

// lookup returns the cached block holding exactly tokenIDs under hash h.
func (bm *BlockManager) lookup(h uint64, tokenIDs []int) (int, bool) {
	if h == 0 {
		return 0, false
	}
	id, ok := bm.hashToBlockID[h]
	if !ok {
		return 0, false
	}
	block := bm.blocks[id]
	if block.Hash != h || !slices.Equal(block.TokenIDs, tokenIDs) {
		return 0, false
	}
	return id, true
}

// CanAllocate reports whether the free pool covers every block of seq.
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return len(bm.free) >= seq.NumBlocks()
}

// Allocate builds the block table of a waiting sequence, reusing cached
// prefix blocks until the first miss.
func (bm *BlockManager) Allocate(seq *Sequence) {
	if len(seq.BlockTable) > 0 {
		panic("sequence already has blocks allocated")
	}

	var h uint64
	missed := false
	for i := range seq.NumBlocks() {
		tokenIDs := seq.Block(i)
		if len(tokenIDs) == bm.blockSize {
			h = bm.ComputeHash(tokenIDs, h)
		} else {
			h = 0
		}

		blockID, hit := bm.lookup(h, tokenIDs)
		if !hit || missed {
			missed = true
			blockID = bm.free[0]
			bm.take(blockID)
		} else {
			seq.NumCachedTokens += bm.blockSize
			if _, inUse := bm.used[blockID]; inUse {
				bm.blocks[blockID].RefCount++
			} else {
				bm.take(blockID)
			}
		}

		if h != 0 {
			bm.blocks[blockID].update(h, tokenIDs)
			bm.hashToBlockID[h] = blockID
		}
		seq.BlockTable = append(seq.BlockTable, blockID)
	}
}

// Deallocate drops the sequence's references, last block first.
func (bm *BlockManager) Deallocate(seq *Sequence) {
	for _, blockID := range slices.Backward(seq.BlockTable) {
		block := bm.blocks[blockID]
		block.RefCount--
		if block.RefCount == 0 {
			bm.release(blockID)
		}
	}
	seq.NumCachedTokens = 0
	seq.BlockTable = seq.BlockTable[:0]
}

// CanAppend reports whether the token just appended to seq has room.
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	if seq.Len()%bm.blockSize == 1 {
		return len(bm.free) >= 1
	}
	return true
}

// MayAppend grows or seals the last block of seq after a token was appended.
func (bm *BlockManager) MayAppend(seq *Sequence) {
	last := len(seq.BlockTable) - 1
	lastBlock := bm.blocks[seq.BlockTable[last]]

	switch seq.Len() % bm.blockSize {
	case 1:
		if lastBlock.Hash == 0 {
			panic("last block should have a hash")
		}
		blockID := bm.free[0]
		bm.take(blockID)
		seq.BlockTable = append(seq.BlockTable, blockID)
	case 0:
		if lastBlock.Hash != 0 {
			panic("last block should not have a hash")
		}
		var prefixHash uint64
		if last > 0 {
			prefixHash = bm.blocks[seq.BlockTable[last-1]].Hash
		}
		tokenIDs := seq.Block(seq.NumBlocks() - 1)
		h := bm.ComputeHash(tokenIDs, prefixHash)
		lastBlock.update(h, tokenIDs)
		bm.hashToBlockID[h] = lastBlock.BlockID
	default:
		if lastBlock.Hash != 0 {
			panic("last block should not have a hash")
		}
	}
}
