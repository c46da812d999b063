package nanovllm

import (
	"container/list"
	"fmt"
)

// Scheduler manages sequence scheduling for prefill and decode phases
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	maxModelLen         int
	eos                 int
	blockManager        *BlockManager
	waiting             *list.List
	running             *list.List
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	return &Scheduler{
		maxNumSeqs:          config.MaxNumSeqs,
		maxNumBatchedTokens: config.MaxNumBatchedTokens,
		maxModelLen:         config.MaxModelLen,
		eos:                 config.EOS,
		blockManager:        NewBlockManager(config.numBlocks(), config.KVCacheBlockSize),
		waiting:             list.New(),
		running:             list.New(),
	}
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Admit checks that seq can ever be scheduled on its own. A sequence that
// does not fit an empty cache would otherwise stall the scheduler forever.
func (s *Scheduler) Admit(seq *Sequence) error {
	if seq.Len() > s.maxModelLen {
		return fmt.Errorf("prompt of %d tokens exceeds max model length %d", seq.Len(), s.maxModelLen)
	}
	if seq.Len() > s.maxNumBatchedTokens {
		return fmt.Errorf("prompt of %d tokens exceeds max batched tokens %d", seq.Len(), s.maxNumBatchedTokens)
	}
	peak := min(seq.Len()+seq.MaxTokens, s.maxModelLen)
	if need := blocksFor(peak, seq.BlockSize); need > s.blockManager.NumBlocks() {
		return fmt.Errorf("sequence needs %d KV cache blocks, pool has %d", need, s.blockManager.NumBlocks())
	}
	return nil
}

// Add adds a sequence to the waiting queue
func (s *Scheduler) Add(seq *Sequence) {
	s.waiting.PushBack(seq)
}

// Schedule picks the sequences for the next step. Waiting sequences are
// prefilled first; otherwise running sequences decode one token, preempting
// from the back of the queue when the cache is full.
func (s *Scheduler) Schedule() ([]*Sequence, bool, error) {
	scheduled := make([]*Sequence, 0)
	numSeqs := 0
	numBatchedTokens := 0

	for s.waiting.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.waiting.Front()
		seq := elem.Value.(*Sequence)

		if numBatchedTokens+seq.Len() > s.maxNumBatchedTokens || !s.blockManager.CanAllocate(seq) {
			break
		}

		numSeqs++
		s.blockManager.Allocate(seq)
		numBatchedTokens += seq.Len() - seq.NumCachedTokens
		seq.Status = StatusRunning

		s.waiting.Remove(elem)
		s.running.PushBack(seq)
		scheduled = append(scheduled, seq)
	}

	if len(scheduled) > 0 {
		return scheduled, true, nil
	}

	for s.running.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.running.Front()
		seq := elem.Value.(*Sequence)
		s.running.Remove(elem)

		for !s.blockManager.CanAppend(seq) {
			if s.running.Len() > 0 {
				victim := s.running.Remove(s.running.Back()).(*Sequence)
				s.preempt(victim)
			} else {
				s.preempt(seq)
				break
			}
		}

		if seq.Status == StatusRunning {
			numSeqs++
			s.blockManager.MayAppend(seq)
			scheduled = append(scheduled, seq)
		}
	}

	if len(scheduled) == 0 {
		return nil, false, fmt.Errorf("no sequences could be scheduled (waiting=%d, free blocks=%d)",
			s.waiting.Len(), s.blockManager.NumFreeBlocks())
	}

	for i := len(scheduled) - 1; i >= 0; i-- {
		s.running.PushFront(scheduled[i])
	}

	return scheduled, false, nil
}

func (s *Scheduler) preempt(seq *Sequence) {
	seq.Status = StatusWaiting
	s.blockManager.Deallocate(seq)
	s.waiting.PushFront(seq)
}

// Postprocess appends the sampled tokens and retires finished sequences.
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) {
	for i, seq := range seqs {
		tokenID := tokenIDs[i]
		seq.AppendToken(tokenID)

		switch {
		case !seq.IgnoreEOS && tokenID == s.eos:
			seq.FinishReason = FinishStop
		case seq.NumCompletionTokens() >= seq.MaxTokens, seq.Len() >= s.maxModelLen:
			seq.FinishReason = FinishLength
		default:
			continue
		}

		seq.Status = StatusFinished
		s.blockManager.Deallocate(seq)
		for elem := s.running.Front(); elem != nil; elem = elem.Next() {
			if elem.Value.(*Sequence).SeqID == seq.SeqID {
				s.running.Remove(elem)
				break
			}
		}
	}
}

// Abort drops every queued and running sequence and frees their blocks.
func (s *Scheduler) Abort() {
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		s.blockManager.Deallocate(elem.Value.(*Sequence))
	}
	s.running.Init()
	s.waiting.Init()
}
