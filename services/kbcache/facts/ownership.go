// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package facts

// Release declares that o has finished all writes.
//
// Description:
//
//	After Release the owner may still read, but InsertFact and BulkLoad
//	fail with ErrWritesReleased. Release is the precondition for Transfer.
//	Releasing twice is a no-op.
//
// Inputs:
//
//	o - The current owner.
//
// Outputs:
//
//	error - *OwnershipError if o is not the owner.
func (kb *KnowledgeBase) Release(o *Owner) error {
	for {
		st := kb.state.Load()
		if o == nil || st.owner != o {
			return &OwnershipError{Op: "release", Caller: o.String(), Holder: st.owner.String(), Err: ErrNotOwner}
		}
		if st.released {
			return nil
		}
		if kb.state.CompareAndSwap(st, &ownership{owner: o, released: true}) {
			return nil
		}
	}
}

// Transfer moves exclusive rights over kb from one context to another.
//
// Description:
//
//	The swap is a single compare-and-swap, so there is no instant at which
//	both contexts, or neither, hold rights. After Transfer every call by
//	from fails with ErrNotOwner and to may read and write.
//
//	Transfer does not publish kb. The sending context must hand kb to the
//	receiver through a channel send (or equivalent) after Transfer
//	returns, and the receiver must not touch kb before that receive.
//
// Inputs:
//
//	kb - The knowledge base. Must not be nil.
//	from - Current owner. Must have called Release.
//	to - New owner. Must not be nil.
//
// Outputs:
//
//	error - ErrNilOwner, or *OwnershipError wrapping ErrNotOwner or
//	ErrWritesOpen.
func Transfer(kb *KnowledgeBase, from, to *Owner) error {
	if to == nil {
		return ErrNilOwner
	}
	st := kb.state.Load()
	if from == nil || st.owner != from {
		return &OwnershipError{Op: "transfer", Caller: from.String(), Holder: st.owner.String(), Err: ErrNotOwner}
	}
	if !st.released {
		return &OwnershipError{Op: "transfer", Caller: from.String(), Holder: st.owner.String(), Err: ErrWritesOpen}
	}
	if !kb.state.CompareAndSwap(st, &ownership{owner: to}) {
		return &OwnershipError{Op: "transfer", Caller: from.String(), Holder: kb.Owner().String(), Err: ErrNotOwner}
	}
	return nil
}
