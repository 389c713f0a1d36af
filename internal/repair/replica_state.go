package repair

import "github.com/devrev/pairdb/promoter/internal/model"

// ReplicaRepairState is the bookkeeping the Term keeps for one replica
type ReplicaRepairState struct {
	ExpectedResponses int
	ReceivedResponses int
	// MaxHandleSeen is the highest handle the replica is known to have
	// applied. It never decreases.
	MaxHandleSeen model.Handle

	sequences map[int]struct{}
}

func newReplicaRepairState(expected int) *ReplicaRepairState {
	return &ReplicaRepairState{
		ExpectedResponses: expected,
		sequences:         make(map[int]struct{}),
	}
}

// Outstanding returns the number of responses still expected; zero means complete
func (s *ReplicaRepairState) Outstanding() int {
	if s.ReceivedResponses >= s.ExpectedResponses {
		return 0
	}
	return s.ExpectedResponses - s.ReceivedResponses
}

// Complete reports whether every expected response has arrived
func (s *ReplicaRepairState) Complete() bool {
	return s.Outstanding() == 0
}

// observe records that chunk seq arrived and reports whether it was new
func (s *ReplicaRepairState) observe(seq, ofTotal int) bool {
	if s.sequences == nil {
		s.sequences = make(map[int]struct{})
	}
	if _, dup := s.sequences[seq]; dup {
		return false
	}
	s.sequences[seq] = struct{}{}

	if ofTotal > s.ExpectedResponses {
		s.ExpectedResponses = ofTotal
	}
	s.ReceivedResponses++
	if s.ReceivedResponses > s.ExpectedResponses {
		s.ExpectedResponses = s.ReceivedResponses
	}
	return true
}

// advance raises MaxHandleSeen to h and reports false if h is below it
func (s *ReplicaRepairState) advance(h model.Handle) bool {
	if h < s.MaxHandleSeen {
		return false
	}
	s.MaxHandleSeen = h
	return true
}

func (s *ReplicaRepairState) snapshot() ReplicaRepairState {
	return ReplicaRepairState{
		ExpectedResponses: s.ExpectedResponses,
		ReceivedResponses: s.ReceivedResponses,
		MaxHandleSeen:     s.MaxHandleSeen,
	}
}
